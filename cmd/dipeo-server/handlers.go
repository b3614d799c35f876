package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dipeo/dipeo/common/bootstrap"
	"github.com/dipeo/dipeo/common/diagram"
	"github.com/dipeo/dipeo/common/events"
	"github.com/dipeo/dipeo/common/execution"
	"github.com/dipeo/dipeo/common/ids"
	"github.com/dipeo/dipeo/common/models"
)

// executionHandler serves run submission, state queries, and streaming.
type executionHandler struct {
	components *bootstrap.Components
	hub        *hub
	inputs     *inputCollector
}

func newExecutionHandler(components *bootstrap.Components, hub *hub, inputs *inputCollector) *executionHandler {
	return &executionHandler{components: components, hub: hub, inputs: inputs}
}

type submitRunRequest struct {
	DiagramPath string         `json:"diagram_path,omitempty"`
	Diagram     string         `json:"diagram,omitempty"`
	Format      string         `json:"format,omitempty"`
	Variables   map[string]any `json:"variables,omitempty"`
	TimeoutSecs int            `json:"timeout_secs,omitempty"`
}

// SubmitRun starts a diagram execution and returns immediately with the
// execution ID. Progress is available on the stream endpoint.
// POST /api/runs
func (h *executionHandler) SubmitRun(c echo.Context) error {
	var req submitRunRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(fmt.Errorf("invalid request body: %w", err)))
	}

	var (
		d   *diagram.DomainDiagram
		err error
	)
	switch {
	case req.DiagramPath != "":
		d, err = diagram.Load(req.DiagramPath, diagram.Format(req.Format))
	case req.Diagram != "":
		d, err = diagram.Decode([]byte(req.Diagram), diagram.Format(req.Format))
	default:
		err = fmt.Errorf("one of diagram_path or diagram is required")
	}
	if err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}

	variables := map[string]any{}
	for k, v := range d.Variables {
		variables[k] = v
	}
	for k, v := range req.Variables {
		variables[k] = v
	}

	timeout := h.components.Config.Engine.ExecutionTimeout
	if req.TimeoutSecs > 0 {
		timeout = time.Duration(req.TimeoutSecs) * time.Second
	}

	executionID := ids.NewExecutionID()
	go func() {
		// Detached from the request: the run outlives the HTTP exchange.
		_, runErr := h.components.UseCase.Execute(context.Background(), d, execution.Options{
			ExecutionID:       executionID,
			Timeout:           timeout,
			Variables:         variables,
			MaxConcurrent:     h.components.Config.Engine.MaxConcurrent,
			DiagramSourcePath: req.DiagramPath,
		})
		if runErr != nil {
			h.components.Logger.Error("run failed", "execution_id", executionID, "error", runErr)
		}
	}()

	return c.JSON(http.StatusAccepted, map[string]any{
		"execution_id": executionID,
		"diagram_id":   d.ID,
		"status":       models.ExecutionPending,
	})
}

// ListExecutions lists persisted executions, newest first.
// GET /api/executions?diagram_id=&status=&limit=&offset=
func (h *executionHandler) ListExecutions(c echo.Context) error {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)
	status := models.ExecutionStatus(c.QueryParam("status"))

	states, err := h.components.Store.ListExecutions(
		c.Request().Context(), c.QueryParam("diagram_id"), status, limit, offset)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}

	summaries := make([]map[string]any, 0, len(states))
	for _, s := range states {
		summaries = append(summaries, map[string]any{
			"execution_id": s.ID,
			"diagram_id":   s.DiagramID,
			"status":       s.Status,
			"started_at":   s.StartedAt,
			"ended_at":     s.EndedAt,
			"node_count":   len(s.NodeStates),
		})
	}
	return c.JSON(http.StatusOK, map[string]any{"executions": summaries})
}

// GetExecution returns the full persisted state of one execution.
// GET /api/executions/:id
func (h *executionHandler) GetExecution(c echo.Context) error {
	id := c.Param("id")
	if err := ids.ValidateExecutionID(id); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}

	state, err := h.components.Store.GetState(c.Request().Context(), id)
	if err != nil {
		return c.JSON(http.StatusInternalServerError, errBody(err))
	}
	if state == nil {
		return c.JSON(http.StatusNotFound, errBody(fmt.Errorf("execution not found: %s", id)))
	}
	return c.JSON(http.StatusOK, state)
}

// GetMetrics returns the in-process metrics summary for an execution.
// GET /api/executions/:id/metrics
func (h *executionHandler) GetMetrics(c echo.Context) error {
	id := c.Param("id")
	if err := ids.ValidateExecutionID(id); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	if h.components.Metrics == nil {
		return c.JSON(http.StatusNotFound, errBody(fmt.Errorf("metrics collection disabled")))
	}
	summary, ok := h.components.Metrics.GetMetricsSummary(id)
	if !ok {
		return c.JSON(http.StatusNotFound, errBody(fmt.Errorf("no metrics for execution: %s", id)))
	}
	return c.JSON(http.StatusOK, summary)
}

// StreamExecution streams update frames over SSE. Missed frames are
// replayed from the bus using last_seq (or the Last-Event-ID header),
// then the connection switches to live delivery.
// GET /api/executions/:id/stream?last_seq=N
func (h *executionHandler) StreamExecution(c echo.Context) error {
	id := c.Param("id")
	if err := ids.ValidateExecutionID(id); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}

	fromSeq := int64(0)
	if v := c.QueryParam("last_seq"); v != "" {
		fromSeq, _ = strconv.ParseInt(v, 10, 64)
	} else if v := c.Request().Header.Get("Last-Event-ID"); v != "" {
		fromSeq, _ = strconv.ParseInt(v, 10, 64)
	}

	res := c.Response()
	res.Header().Set(echo.HeaderContentType, "text/event-stream")
	res.Header().Set("Cache-Control", "no-cache")
	res.Header().Set("Connection", "keep-alive")
	res.WriteHeader(http.StatusOK)
	res.Flush()

	// Subscribe before replaying so no frame falls between the two.
	sub := h.hub.subscribe(id)
	defer func() { h.hub.unregister <- sub }()

	lastSeq := fromSeq
	for _, ev := range h.components.Bus.Replay(id, fromSeq) {
		if err := writeFrame(res, events.Frame(ev)); err != nil {
			return nil
		}
		lastSeq = ev.Seq
	}

	// A finished execution has nothing left to stream once replay is done.
	state, err := h.components.Store.GetState(c.Request().Context(), id)
	if err == nil && state != nil && state.Status.Terminal() && h.components.Bus.LastSeq(id) <= lastSeq {
		return nil
	}

	keepalive := time.NewTicker(h.components.Config.Server.KeepaliveInterval)
	defer keepalive.Stop()

	// After a terminal frame, keep draining briefly so trailing frames
	// such as collected metrics still reach the client.
	var closeAt <-chan time.Time

	ctx := c.Request().Context()
	for {
		select {
		case frame, ok := <-sub.send:
			if !ok {
				return nil
			}
			if frame.Seq <= lastSeq {
				continue
			}
			if err := writeFrame(res, frame); err != nil {
				return nil
			}
			lastSeq = frame.Seq
			if frame.Type == string(events.ExecutionCompleted) || frame.Type == string(events.ExecutionError) {
				closeAt = time.After(time.Second)
			}
		case <-keepalive.C:
			if _, err := fmt.Fprint(res, ": keepalive\n\n"); err != nil {
				return nil
			}
			res.Flush()
		case <-closeAt:
			return nil
		case <-ctx.Done():
			return nil
		}
	}
}

type submitInputRequest struct {
	NodeID string `json:"node_id"`
	Answer string `json:"answer"`
}

// SubmitInput answers a pending interactive prompt.
// POST /api/executions/:id/input
func (h *executionHandler) SubmitInput(c echo.Context) error {
	id := c.Param("id")
	if err := ids.ValidateExecutionID(id); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(err))
	}
	var req submitInputRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, errBody(fmt.Errorf("invalid request body: %w", err)))
	}
	if req.NodeID == "" {
		return c.JSON(http.StatusBadRequest, errBody(fmt.Errorf("node_id is required")))
	}
	if !h.inputs.Deliver(id, req.NodeID, req.Answer) {
		return c.JSON(http.StatusNotFound, errBody(
			fmt.Errorf("no pending prompt for node %s in execution %s", req.NodeID, id)))
	}
	return c.JSON(http.StatusOK, map[string]string{"status": "delivered"})
}

func writeFrame(res *echo.Response, frame events.UpdateFrame) error {
	data, err := json.Marshal(frame)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(res, "id: %d\nevent: %s\ndata: %s\n\n", frame.Seq, frame.Type, data); err != nil {
		return err
	}
	res.Flush()
	return nil
}

func errBody(err error) map[string]string {
	return map[string]string{"error": err.Error()}
}

func queryInt(c echo.Context, name string, fallback int) int {
	v := c.QueryParam(name)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
