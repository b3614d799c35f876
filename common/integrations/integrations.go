// Package integrations executes named provider operations for hook
// nodes, mapping (provider, operation) pairs onto HTTP endpoints.
package integrations

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/dipeo/dipeo/common/logger"
	"github.com/dipeo/dipeo/common/services"
)

// Endpoint describes one provider operation.
type Endpoint struct {
	Method string
	URL    string // may contain {placeholders} filled from config
}

// Service implements services.IntegratedAPIService over the shared API
// invoker. Providers register operation tables at wiring time.
type Service struct {
	invoker services.APIInvoker
	log     *logger.Logger

	mu        sync.RWMutex
	providers map[string]map[string]Endpoint
}

// New creates an integration service.
func New(invoker services.APIInvoker, log *logger.Logger) *Service {
	if log == nil {
		log = logger.Discard()
	}
	return &Service{
		invoker:   invoker,
		log:       log,
		providers: make(map[string]map[string]Endpoint),
	}
}

var _ services.IntegratedAPIService = (*Service)(nil)

// RegisterOperation binds one (provider, operation) pair to an endpoint.
func (s *Service) RegisterOperation(provider, operation string, ep Endpoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ops, ok := s.providers[provider]
	if !ok {
		ops = make(map[string]Endpoint)
		s.providers[provider] = ops
	}
	ops[operation] = ep
}

// Execute runs one operation; config fills URL placeholders and becomes
// the request body for non-GET methods.
func (s *Service) Execute(ctx context.Context, provider, operation string, config map[string]any) (any, error) {
	s.mu.RLock()
	ep, ok := s.providers[provider][operation]
	s.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown integration: %s.%s", provider, operation)
	}

	url := ep.URL
	for key, value := range config {
		url = strings.ReplaceAll(url, "{"+key+"}", fmt.Sprint(value))
	}

	req := services.HTTPRequest{Method: ep.Method, URL: url}
	if ep.Method != "" && ep.Method != "GET" {
		req.Body = config
	}

	resp, err := s.invoker.Invoke(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("integration %s.%s: %w", provider, operation, err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("integration %s.%s returned %d", provider, operation, resp.StatusCode)
	}

	var decoded any
	if err := json.Unmarshal(resp.Body, &decoded); err != nil {
		return string(resp.Body), nil
	}
	return decoded, nil
}
