package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"

	"github.com/orchestra/tiermem/config"
	"github.com/orchestra/tiermem/pkg/api"
	"github.com/orchestra/tiermem/pkg/api/handlers"
	"github.com/orchestra/tiermem/pkg/consolidation"
	"github.com/orchestra/tiermem/pkg/logger"
	"github.com/orchestra/tiermem/pkg/manager"
	"github.com/orchestra/tiermem/pkg/memory"
	"github.com/orchestra/tiermem/pkg/tier/midterm"
	"github.com/orchestra/tiermem/pkg/tier/shortterm"
)

func newTestServer(t *testing.T) *Client {
	t.Helper()
	storage := memory.MustStorageConfig(memory.StorageSettings{
		Environment:    memory.EnvDev,
		Namespace:      "client",
		EnforcePrivacy: true,
	})

	builders := map[memory.Tier]manager.Builder{
		memory.TierShort: func(context.Context) (memory.TierAdapter, error) {
			return shortterm.NewCacheAdapter(), nil
		},
		memory.TierMid: func(context.Context) (memory.TierAdapter, error) {
			return midterm.OpenBadger(midterm.BadgerConfig{InMemory: true}, storage)
		},
	}
	f, err := manager.NewFactory(storage, builders).Create(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = f.Close() })

	policy := consolidation.New(f, consolidation.Config{})
	router := api.NewRouter(config.DefaultConfig(), logger.Nop(), &api.Handlers{
		Memory:        handlers.NewMemoryHandler(f, logger.Nop()),
		Consolidation: handlers.NewConsolidationHandler(policy, logger.Nop()),
		Health:        handlers.NewHealthHandler(f),
	})

	srv := httptest.NewServer(router)
	t.Cleanup(srv.Close)

	c, err := New(srv.URL + "/")
	require.NoError(t, err)
	return c
}

func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://host", "http://"} {
		_, err := New(raw)
		assert.Error(t, err, raw)
	}
}

func TestClient_MemoryLifecycle(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	stored, err := c.Store(ctx, StoreRequest{
		ID:      "c-1",
		OwnerID: "user-1",
		Type:    memory.TypeConversation,
		Content: "mail me at a@b.io",
	})
	require.NoError(t, err)
	assert.Equal(t, "c-1", stored.ID)
	assert.Equal(t, memory.TierShort, stored.Tier)
	assert.True(t, stored.Redacted)

	item, err := c.Get(ctx, "c-1")
	require.NoError(t, err)
	assert.NotContains(t, item.Content, "a@b.io")

	item, err = c.Append(ctx, "c-1", " tomorrow")
	require.NoError(t, err)
	assert.Contains(t, item.Content, "tomorrow")

	result, err := c.Query(ctx, memory.Query{OwnerID: "user-1"})
	require.NoError(t, err)
	require.Len(t, result.Results, 1)
	assert.Equal(t, "c-1", result.Results[0].Item.ID)

	deleted, err := c.Delete(ctx, "c-1")
	require.NoError(t, err)
	assert.True(t, deleted.Deleted)

	_, err = c.Get(ctx, "c-1")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	assert.NotEmpty(t, apiErr.RequestID)

	_, err = c.Store(ctx, StoreRequest{OwnerID: "user-2", Type: memory.TypeFact, Content: "likes tea"})
	require.NoError(t, err)
	forgot, err := c.ForgetOwner(ctx, "user-2")
	require.NoError(t, err)
	assert.Equal(t, ForgetResult{OwnerID: "user-2", Removed: 1}, *forgot)
}

func TestClient_StoreValidation(t *testing.T) {
	c := newTestServer(t)

	_, err := c.Store(context.Background(), StoreRequest{OwnerID: "user-1", Type: memory.TypeFact})
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadRequest, apiErr.StatusCode)
	assert.Equal(t, "BAD_REQUEST", apiErr.Code)
	assert.False(t, IsNotFound(err))
}

func TestClient_ConsolidationAndStatus(t *testing.T) {
	c := newTestServer(t)
	ctx := context.Background()

	_, err := c.LastConsolidation(ctx)
	assert.True(t, IsNotFound(err))

	report, err := c.Consolidate(ctx)
	require.NoError(t, err)
	assert.NotEmpty(t, report.RunID)
	assert.False(t, report.Skipped)

	last, err := c.LastConsolidation(ctx)
	require.NoError(t, err)
	assert.Equal(t, report.RunID, last.RunID)

	for _, refresh := range []bool{false, true} {
		status, err := c.Status(ctx, refresh)
		require.NoError(t, err)
		assert.Equal(t, "ok", status.Status)
		require.Len(t, status.Tiers, 3)
		assert.Equal(t, manager.StateDisabled, status.Tiers[2].State)
	}
}

func TestClient_PlainTextError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Request-ID", "req-7")
		http.Error(w, "upstream down", http.StatusBadGateway)
	}))
	defer srv.Close()

	c, err := New(srv.URL)
	require.NoError(t, err)

	_, err = c.Status(context.Background(), false)
	var apiErr *Error
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusBadGateway, apiErr.StatusCode)
	assert.Equal(t, "Bad Gateway", apiErr.Code)
	assert.Equal(t, "upstream down", apiErr.Message)
	assert.Equal(t, "req-7", apiErr.RequestID)
	assert.Contains(t, err.Error(), "req-7")
}

func TestClient_PropagatesTraceContext(t *testing.T) {
	var got http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok","tiers":[]}`))
	}))
	defer srv.Close()

	c, err := New(srv.URL, WithPropagator(propagation.TraceContext{}), WithUserAgent("ctl/1"))
	require.NoError(t, err)

	traceID, _ := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	spanID, _ := trace.SpanIDFromHex("00f067aa0ba902b7")
	ctx := trace.ContextWithSpanContext(context.Background(), trace.NewSpanContext(trace.SpanContextConfig{
		TraceID:    traceID,
		SpanID:     spanID,
		TraceFlags: trace.FlagsSampled,
	}))

	_, err = c.Status(ctx, false)
	require.NoError(t, err)
	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", got.Get("traceparent"))
	assert.Equal(t, "ctl/1", got.Get("User-Agent"))
	assert.Equal(t, "application/json", got.Get("Accept"))
}
