package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ponder-sh/ponder-core/internal/config"
	"github.com/ponder-sh/ponder-core/internal/instance"
	"github.com/ponder-sh/ponder-core/internal/logger"
	"github.com/ponder-sh/ponder-core/tests/helpers"
)

func TestHandleHealth_AlwaysOK(t *testing.T) {
	s := &Server{log: logger.NewNop()}

	rec := httptest.NewRecorder()
	s.handleHealth(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())
}

func TestRun_DisabledReturnsImmediately(t *testing.T) {
	s := New(config.MetricsConfig{Enabled: false}, nil, nil, "", logger.NewNop())
	assert.NoError(t, s.Run(context.Background()))
}

func TestReadyAndStatus_AgainstRealPool(t *testing.T) {
	pool := helpers.NewTestPool(t)
	registry := instance.New(pool, "public", config.InstanceConfig{Dev: true}, logger.NewNop())

	inst, err := registry.Open(context.Background(), "build-httpapi-test", nil)
	require.NoError(t, err)

	s := New(config.MetricsConfig{Enabled: true, ListenAddress: ":0"}, pool, registry, inst.InstanceID, logger.NewNop())

	rec := httptest.NewRecorder()
	s.handleReady(rec, httptest.NewRequest(http.MethodGet, "/ready", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp statusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, inst.InstanceID, resp.InstanceID)
	assert.Equal(t, "build-httpapi-test", resp.BuildID)
	assert.Equal(t, "historical", resp.Status)
}

func TestHandleStatus_UnknownInstanceReturns404(t *testing.T) {
	pool := helpers.NewTestPool(t)
	registry := instance.New(pool, "public", config.InstanceConfig{}, logger.NewNop())

	s := New(config.MetricsConfig{Enabled: true}, pool, registry, "does-not-exist", logger.NewNop())

	rec := httptest.NewRecorder()
	s.handleStatus(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}
