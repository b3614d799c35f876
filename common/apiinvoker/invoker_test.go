package apiinvoker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/dipeo/dipeo/common/services"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInvoke_Basic(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "POST", r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.Equal(t, "yes", r.Header.Get("X-Custom"))
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"ok":true}`))
	}))
	defer srv.Close()

	inv := New(Opts{AllowPrivate: true})
	resp, err := inv.Invoke(context.Background(), services.HTTPRequest{
		Method:  "POST",
		URL:     srv.URL,
		Headers: map[string]string{"X-Custom": "yes"},
		Body:    map[string]any{"hello": "world"},
	})
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	assert.JSONEq(t, `{"ok":true}`, string(resp.Body))
}

func TestInvoke_RetriesOn5xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte("ok"))
	}))
	defer srv.Close()

	inv := New(Opts{AllowPrivate: true, MaxRetries: 2})
	resp, err := inv.Invoke(context.Background(), services.HTTPRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, int32(3), calls.Load())
}

func TestInvoke_No4xxRetry(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	inv := New(Opts{AllowPrivate: true})
	resp, err := inv.Invoke(context.Background(), services.HTTPRequest{URL: srv.URL})
	require.NoError(t, err)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	assert.Equal(t, int32(1), calls.Load())
}

func TestValidateURL(t *testing.T) {
	inv := New(Opts{})

	tests := []struct {
		name    string
		url     string
		wantErr string
	}{
		{name: "loopback host", url: "http://localhost/x", wantErr: "blocked"},
		{name: "loopback ip", url: "http://127.0.0.1/x", wantErr: "blocked"},
		{name: "private ip", url: "http://192.168.1.10/x", wantErr: "blocked"},
		{name: "metadata service", url: "http://169.254.169.254/latest", wantErr: "blocked"},
		{name: "bad scheme", url: "ftp://example.com/x", wantErr: "unsupported scheme"},
		{name: "no host", url: "http:///x", wantErr: "no host"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := inv.validateURL(tt.url)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	assert.NoError(t, inv.validateURL("https://example.com/api"))
}
