package apihttp

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"talos/internal/agent"
	"talos/internal/ledger"
)

func newTestServer(t *testing.T) *Server {
	t.Helper()
	led := ledger.New("alpha", ledger.DefaultConfig())
	_, err := led.OpenPosition(ledger.OpenRequest{
		Symbol: "BTCUSDT", Side: ledger.Long, MarginUSD: 2000, Leverage: 10,
		StopLoss: 57000, TakeProfit: 66000, EntryPrice: 60000,
	})
	require.NoError(t, err)

	fleet := agent.NewFleet(&agent.Runner{ID: "alpha", Ledger: led})
	srv, err := NewServer(ServerConfig{Fleet: fleet})
	require.NoError(t, err)
	return srv
}

func doGET(t *testing.T, srv *Server, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	var body map[string]any
	if rec.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func TestHealthz(t *testing.T) {
	rec, body := doGET(t, newTestServer(t), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", body["status"])
}

func TestListAgents(t *testing.T) {
	rec, body := doGET(t, newTestServer(t), "/api/agents")
	require.Equal(t, http.StatusOK, rec.Code)

	agents, ok := body["agents"].([]any)
	require.True(t, ok)
	require.Len(t, agents, 1)
	first := agents[0].(map[string]any)
	assert.Equal(t, "alpha", first["id"])
	assert.Equal(t, 8000.0, first["balance"])
	assert.Equal(t, 1.0, first["positions"])
}

func TestAgentDetail(t *testing.T) {
	rec, body := doGET(t, newTestServer(t), "/api/agents/alpha")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 8000.0, body["balance"])

	rec, _ = doGET(t, newTestServer(t), "/api/agents/nobody")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestAgentOrdersFallsBackToLedger(t *testing.T) {
	rec, body := doGET(t, newTestServer(t), "/api/agents/alpha/orders")
	require.Equal(t, http.StatusOK, rec.Code)
	orders, ok := body["orders"].([]any)
	require.True(t, ok)
	assert.Empty(t, orders)
}

func TestAgentDecisionsWithoutStore(t *testing.T) {
	rec, body := doGET(t, newTestServer(t), "/api/agents/alpha/decisions")
	require.Equal(t, http.StatusOK, rec.Code)
	_, ok := body["cycles"].([]any)
	assert.True(t, ok)
}

func TestNewServerRequiresFleet(t *testing.T) {
	_, err := NewServer(ServerConfig{})
	require.Error(t, err)
}
