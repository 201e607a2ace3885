package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/Strob0t/Conductor/internal/adapter/memory"
	"github.com/Strob0t/Conductor/internal/domain/workflow"
	"github.com/Strob0t/Conductor/internal/port/messagequeue"
	"github.com/Strob0t/Conductor/internal/resilience"
	"github.com/Strob0t/Conductor/internal/service"
)

type stubQueue struct{ connected bool }

func (q stubQueue) Publish(context.Context, string, []byte) error { return nil }
func (q stubQueue) Subscribe(context.Context, string, messagequeue.Handler) (func(), error) {
	return func() {}, nil
}
func (q stubQueue) Drain() error      { return nil }
func (q stubQueue) Close() error      { return nil }
func (q stubQueue) IsConnected() bool { return q.connected }

type nopSink struct{}

func (nopSink) Dispatch(context.Context, *workflow.Dispatch) error   { return nil }
func (nopSink) Cancel(context.Context, string, string, string) error { return nil }

func testDeps(connected bool) healthDeps {
	es := service.NewEventStore(8)
	reg := service.NewAgentRegistry(es)
	return healthDeps{
		queue:    stubQueue{connected: connected},
		breaker:  resilience.NewBreaker("dispatch", 1, time.Minute, 0),
		registry: reg,
		engine:   service.NewWorkflowEngine(es, reg, memory.NewTaskStore(), nopSink{}),
		store:    es,
		driver:   "memory",
	}
}

func TestHealthHandler(t *testing.T) {
	tests := []struct {
		name      string
		connected bool
		wantCode  int
		wantState string
	}{
		{"connected", true, http.StatusOK, "ok"},
		{"disconnected", false, http.StatusServiceUnavailable, "degraded"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			healthHandler(testDeps(tt.connected))(rec, httptest.NewRequest(http.MethodGet, "/health", http.NoBody))

			if rec.Code != tt.wantCode {
				t.Fatalf("code = %d, want %d", rec.Code, tt.wantCode)
			}
			var got healthStatus
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Status != tt.wantState || got.Storage != "memory" || got.Dispatch != "closed" {
				t.Errorf("unexpected status %+v", got)
			}
		})
	}
}
