package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/shopspring/decimal"

	"github.com/rickgao/marketstream/internal/connection"
	"github.com/rickgao/marketstream/internal/market"
	"github.com/rickgao/marketstream/internal/model"
)

type fakeSession struct {
	stats    connection.SessionStats
	registry *connection.Registry
}

func (f *fakeSession) Stats() connection.SessionStats  { return f.stats }
func (f *fakeSession) Registry() *connection.Registry { return f.registry }

type fakePinger struct{ err error }

func (f fakePinger) Ping(ctx context.Context) error { return f.err }

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		state      connection.ConnectionState
		db         pinger
		wantStatus string
		wantCode   int
	}{
		{"connected", connection.StateConnected, nil, "healthy", http.StatusOK},
		{"connecting", connection.StateConnecting, nil, "degraded", http.StatusOK},
		{"disconnected", connection.StateDisconnected, nil, "unhealthy", http.StatusServiceUnavailable},
		{"db down", connection.StateConnected, fakePinger{err: errors.New("refused")}, "unhealthy", http.StatusServiceUnavailable},
		{"db up", connection.StateConnected, fakePinger{}, "healthy", http.StatusOK},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHandler(handlerDeps{
				session: &fakeSession{
					stats:    connection.SessionStats{State: tt.state},
					registry: connection.NewRegistry(),
				},
				cache: market.NewCache(),
				db:    tt.db,
			})

			rec := get(t, h, "/health")
			if rec.Code != tt.wantCode {
				t.Errorf("status code = %d, want %d", rec.Code, tt.wantCode)
			}

			var body struct {
				Status string `json:"status"`
			}
			if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
				t.Fatalf("decode body: %v", err)
			}
			if body.Status != tt.wantStatus {
				t.Errorf("status = %q, want %q", body.Status, tt.wantStatus)
			}
		})
	}
}

func TestDebugSymbols(t *testing.T) {
	cache := market.NewCache()
	cache.Set(model.Snapshot{Symbol: "MSFT", Price: decimal.NewFromInt(300)})
	cache.Set(model.Snapshot{Symbol: "AAPL", Price: decimal.RequireFromString("189.5")})

	h := newHandler(handlerDeps{
		session: &fakeSession{registry: connection.NewRegistry()},
		cache:   cache,
	})

	rec := get(t, h, "/debug/symbols")
	if rec.Code != http.StatusOK {
		t.Fatalf("status code = %d, want 200", rec.Code)
	}

	var body struct {
		Cached    int              `json:"cached"`
		Snapshots []model.Snapshot `json:"snapshots"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil {
		t.Fatalf("decode body: %v", err)
	}
	if body.Cached != 2 || len(body.Snapshots) != 2 {
		t.Fatalf("cached = %d, snapshots = %d; want 2, 2", body.Cached, len(body.Snapshots))
	}
	if body.Snapshots[0].Symbol != "AAPL" || !body.Snapshots[0].Price.Equal(decimal.RequireFromString("189.5")) {
		t.Errorf("first snapshot = %s %s, want AAPL 189.5", body.Snapshots[0].Symbol, body.Snapshots[0].Price)
	}
}

func TestDebugSubscriptions(t *testing.T) {
	h := newHandler(handlerDeps{
		session: &fakeSession{registry: connection.NewRegistry()},
		cache:   market.NewCache(),
		metrics: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Write([]byte("metrics"))
		}),
	})

	rec := get(t, h, "/debug/subscriptions")
	if !strings.Contains(rec.Body.String(), `"count":0`) {
		t.Errorf("body = %s, want count 0", rec.Body.String())
	}

	rec = get(t, h, "/metrics")
	if rec.Body.String() != "metrics" {
		t.Errorf("/metrics body = %q, want metrics handler output", rec.Body.String())
	}
}
