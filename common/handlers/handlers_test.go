package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dipeo/dipeo/common/apiinvoker"
	"github.com/dipeo/dipeo/common/coderunner"
	"github.com/dipeo/dipeo/common/compiler"
	"github.com/dipeo/dipeo/common/condition"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/engine"
	"github.com/dipeo/dipeo/common/envelope"
	"github.com/dipeo/dipeo/common/fsys"
	"github.com/dipeo/dipeo/common/models"
	"github.com/dipeo/dipeo/common/registry"
	"github.com/dipeo/dipeo/common/services"
	"github.com/dipeo/dipeo/common/template"
)

func testContext(reg *registry.Registry) *engine.Context {
	return &engine.Context{
		ExecutionID: "exec_test",
		Variables:   map[string]any{"name": "ada"},
		Registry:    reg,
	}
}

func node(id string, t diagram.NodeType, config map[string]any) *compiler.ExecutableNode {
	return &compiler.ExecutableNode{ID: id, Type: t, Config: config, MaxIterations: 1}
}

func defaultInput(body any) engine.Inputs {
	return engine.Inputs{diagram.HandleDefault: envelope.New("up", body)}
}

func TestStart_EmitsVariables(t *testing.T) {
	reg := registry.New()
	out, err := Start{}.Execute(context.Background(), node("start", diagram.NodeStart, nil), nil, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "ada"}, out.Body)
	assert.Equal(t, envelope.Object, out.ContentType)
	assert.Equal(t, "start", out.ProducedBy)
}

func TestEndpoint_SavesToFile(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	registry.Register(reg, services.FS, services.FileSystem(fsys.New(dir)))

	cfg := map[string]any{"save_to_file": true, "file_name": "out.txt"}
	out, err := Endpoint{}.Execute(context.Background(), node("end", diagram.NodeEndpoint, cfg), defaultInput("final answer"), reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, "final answer", out.Body)

	data, err := os.ReadFile(filepath.Join(dir, "out.txt"))
	require.NoError(t, err)
	assert.Equal(t, "final answer", string(data))
}

func TestEndpoint_SaveWithoutFileNameFails(t *testing.T) {
	reg := registry.New()
	cfg := map[string]any{"save_to_file": true}
	_, err := Endpoint{}.Execute(context.Background(), node("end", diagram.NodeEndpoint, cfg), defaultInput("x"), reg, testContext(reg))
	require.Error(t, err)
}

func TestCondition_BranchMeta(t *testing.T) {
	reg := registry.New()
	h := NewCondition(condition.NewEvaluator())

	cfg := map[string]any{"expression": "inputs.score > 10"}
	out, err := h.Execute(context.Background(), node("cond", diagram.NodeCondition, cfg), defaultInput(map[string]any{"score": 42}), reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, true, out.Body)
	assert.Equal(t, diagram.HandleCondTrue, out.Meta[engine.BranchMetaKey])
	assert.Equal(t, map[string]any{"score": 42}, out.Meta["value"])

	out, err = h.Execute(context.Background(), node("cond", diagram.NodeCondition, cfg), defaultInput(map[string]any{"score": 3}), reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, false, out.Body)
	assert.Equal(t, diagram.HandleCondFalse, out.Meta[engine.BranchMetaKey])
}

func TestCondition_VariablesVisible(t *testing.T) {
	reg := registry.New()
	h := NewCondition(condition.NewEvaluator())
	cfg := map[string]any{"expression": `variables.name == "ada"`}
	out, err := h.Execute(context.Background(), node("cond", diagram.NodeCondition, cfg), engine.Inputs{}, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, true, out.Body)
}

func TestCodeJob_EvaluatesOverInputs(t *testing.T) {
	reg := registry.New()
	registry.Register(reg, services.Runner, services.CodeRunner(coderunner.New()))

	cfg := map[string]any{"code": "default.x * 2"}
	inputs := defaultInput(map[string]any{"x": 21})
	out, err := CodeJob{}.Execute(context.Background(), node("calc", diagram.NodeCodeJob, cfg), inputs, reg, testContext(reg))
	require.NoError(t, err)
	assert.EqualValues(t, 42, out.Body)
}

func TestDB_ReadDecodesJSON(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "data.json"), []byte(`{"k": 1}`), 0o644))

	reg := registry.New()
	registry.Register(reg, services.FS, services.FileSystem(fsys.New(dir)))

	cfg := map[string]any{"operation": "read", "file": "data.json"}
	out, err := DB{}.Execute(context.Background(), node("db", diagram.NodeDB, cfg), nil, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"k": float64(1)}, out.Body)
}

func TestDB_WriteAndAppend(t *testing.T) {
	dir := t.TempDir()
	reg := registry.New()
	registry.Register(reg, services.FS, services.FileSystem(fsys.New(dir)))

	write := map[string]any{"operation": "write", "file": "log.txt"}
	_, err := DB{}.Execute(context.Background(), node("db", diagram.NodeDB, write), defaultInput("first"), reg, testContext(reg))
	require.NoError(t, err)

	appendCfg := map[string]any{"operation": "append", "file": "log.txt"}
	_, err = DB{}.Execute(context.Background(), node("db", diagram.NodeDB, appendCfg), defaultInput("second"), reg, testContext(reg))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, "log.txt"))
	require.NoError(t, err)
	assert.Equal(t, "first\nsecond", string(data))
}

func TestTemplateJob_RendersInputsAndVariables(t *testing.T) {
	reg := registry.New()
	registry.Register(reg, services.Templates, template.NewProcessor())

	cfg := map[string]any{"template": "hello {{name}}, score {{score}}"}
	inputs := defaultInput(map[string]any{"score": 7})
	out, err := TemplateJob{}.Execute(context.Background(), node("tpl", diagram.NodeTemplateJob, cfg), inputs, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, "hello ada, score 7", out.Body)
}

func TestDiffPatch_AppliesPatchFromConfig(t *testing.T) {
	reg := registry.New()
	cfg := map[string]any{
		"patch": []any{
			map[string]any{"op": "replace", "path": "/status", "value": "done"},
			map[string]any{"op": "add", "path": "/count", "value": 2},
		},
	}
	doc := map[string]any{"status": "pending"}
	out, err := DiffPatch{}.Execute(context.Background(), node("patch", diagram.NodeDiffPatch, cfg), defaultInput(doc), reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"status": "done", "count": float64(2)}, out.Body)
}

func TestDiffPatch_PatchFromHandle(t *testing.T) {
	reg := registry.New()
	inputs := engine.Inputs{
		diagram.HandleDefault: envelope.New("up", map[string]any{"a": float64(1)}),
		"patch":               envelope.New("gen", []any{map[string]any{"op": "remove", "path": "/a"}}),
	}
	out, err := DiffPatch{}.Execute(context.Background(), node("patch", diagram.NodeDiffPatch, nil), inputs, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{}, out.Body)
}

func TestJSONSchemaValidator(t *testing.T) {
	reg := registry.New()
	cfg := map[string]any{
		"schema": map[string]any{
			"type":     "object",
			"required": []any{"id"},
			"properties": map[string]any{
				"id": map[string]any{"type": "string"},
			},
		},
	}
	n := node("validate", diagram.NodeJSONSchemaValidator, cfg)

	out, err := JSONSchemaValidator{}.Execute(context.Background(), n, defaultInput(map[string]any{"id": "abc"}), reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"id": "abc"}, out.Body)

	_, err = JSONSchemaValidator{}.Execute(context.Background(), n, defaultInput(map[string]any{"other": 1}), reg, testContext(reg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "schema validation failed")
}

func TestAPIJob_TemplatedURL(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/users/ada", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer srv.Close()

	reg := registry.New()
	registry.Register(reg, services.Templates, template.NewProcessor())
	registry.Register(reg, services.Invoker, services.APIInvoker(apiinvoker.New(apiinvoker.Opts{AllowPrivate: true})))

	cfg := map[string]any{"url": srv.URL + "/users/{{name}}", "method": "GET"}
	out, err := APIJob{}.Execute(context.Background(), node("api", diagram.NodeAPIJob, cfg), engine.Inputs{}, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"ok": true}, out.Body)
}

func TestAPIJob_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	reg := registry.New()
	registry.Register(reg, services.Templates, template.NewProcessor())
	registry.Register(reg, services.Invoker, services.APIInvoker(apiinvoker.New(apiinvoker.Opts{AllowPrivate: true})))

	cfg := map[string]any{"url": srv.URL, "method": "GET"}
	_, err := APIJob{}.Execute(context.Background(), node("api", diagram.NodeAPIJob, cfg), engine.Inputs{}, reg, testContext(reg))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

type stubLLM struct {
	lastReq services.CompletionRequest
}

func (s *stubLLM) Complete(_ context.Context, req services.CompletionRequest) (services.CompletionResult, error) {
	s.lastReq = req
	return services.CompletionResult{
		Text:  "stubbed reply",
		Usage: models.LLMUsage{PromptTokens: 5, CompletionTokens: 7, TotalTokens: 12},
	}, nil
}

type passthroughPrompts struct{}

func (passthroughPrompts) Build(tmpl string, _ map[string]any) (string, error) { return tmpl, nil }

func TestPersonJob_CompletionAndUsage(t *testing.T) {
	stub := &stubLLM{}
	reg := registry.New()
	registry.Register(reg, services.LLM, services.LLMService(stub))
	registry.Register(reg, services.Prompts, services.PromptBuilder(passthroughPrompts{}))

	n := node("ask", diagram.NodePersonJob, map[string]any{"prompt": "summarize"})
	n.Person = &diagram.Person{ID: "p1", Model: "gpt-4o-mini", SystemPrompt: "be terse"}

	out, err := PersonJob{}.Execute(context.Background(), n, engine.Inputs{}, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, "stubbed reply", out.Body)
	assert.Equal(t, "gpt-4o-mini", stub.lastReq.Model)
	assert.Equal(t, "be terse", stub.lastReq.SystemPrompt)

	usage, ok := out.Meta[engine.UsageMetaKey].(models.LLMUsage)
	require.True(t, ok)
	assert.Equal(t, 12, usage.TotalTokens)
}

func TestPersonJob_NoPersonFails(t *testing.T) {
	reg := registry.New()
	_, err := PersonJob{}.Execute(context.Background(), node("ask", diagram.NodePersonJob, map[string]any{"prompt": "x"}), engine.Inputs{}, reg, testContext(reg))
	require.Error(t, err)
}

func TestUserResponse_DefaultAnswer(t *testing.T) {
	reg := registry.New()
	cfg := map[string]any{"prompt": "continue?", "default": "yes"}
	out, err := UserResponse{}.Execute(context.Background(), node("ask", diagram.NodeUserResponse, cfg), engine.Inputs{}, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Body)
}

type fixedCollector struct {
	answer string
	err    error
}

func (c fixedCollector) Await(ctx context.Context, executionID, nodeID string) (string, error) {
	return c.answer, c.err
}

func TestUserResponse_CollectorAnswerWins(t *testing.T) {
	reg := registry.New()
	registry.Register(reg, services.UserInput, services.UserInputCollector(fixedCollector{answer: "proceed"}))

	cfg := map[string]any{"prompt": "continue?", "default": "yes"}
	out, err := UserResponse{}.Execute(context.Background(), node("ask", diagram.NodeUserResponse, cfg), engine.Inputs{}, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, "proceed", out.Body)
}

func TestUserResponse_CollectorFailureFallsBackToDefault(t *testing.T) {
	reg := registry.New()
	registry.Register(reg, services.UserInput, services.UserInputCollector(fixedCollector{err: context.DeadlineExceeded}))

	cfg := map[string]any{"prompt": "continue?", "default": "yes", "timeout": float64(1)}
	out, err := UserResponse{}.Execute(context.Background(), node("ask", diagram.NodeUserResponse, cfg), engine.Inputs{}, reg, testContext(reg))
	require.NoError(t, err)
	assert.Equal(t, "yes", out.Body)
}

func TestRegisterAll_CoversBuiltins(t *testing.T) {
	hr := engine.NewHandlerRegistry()
	RegisterAll(hr, nil)

	for _, nt := range []diagram.NodeType{
		diagram.NodeStart, diagram.NodeEndpoint, diagram.NodeCondition,
		diagram.NodeCodeJob, diagram.NodeAPIJob, diagram.NodeHook,
		diagram.NodeDB, diagram.NodeTemplateJob, diagram.NodeDiffPatch,
		diagram.NodeJSONSchemaValidator, diagram.NodePersonJob, diagram.NodeUserResponse,
	} {
		_, ok := hr.Lookup(nt)
		assert.True(t, ok, "handler missing for %s", nt)
	}
}
