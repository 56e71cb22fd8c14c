package webhook

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pithecene-io/courier/adapter"
	"github.com/pithecene-io/courier/iox"
)

func fastBackoff(t *testing.T) {
	t.Helper()
	prev := adapter.BaseBackoff
	adapter.BaseBackoff = time.Millisecond
	t.Cleanup(func() { adapter.BaseBackoff = prev })
}

func testEvent() *adapter.RunCompletedEvent {
	return &adapter.RunCompletedEvent{
		ContractVersion: "0.1.0",
		EventType:       adapter.EventTypeRunCompleted,
		RunID:           "run-001",
		Status:          "delivered",
		ArtifactID:      "31.12.2024",
		ArtifactName:    "die_zeit_2024_53.epub",
		Timestamp:       "2025-01-02T06:00:03Z",
		DurationMs:      3000,
	}
}

func TestPublish_Success(t *testing.T) {
	received := make(chan adapter.RunCompletedEvent, 1)
	var auth atomic.Value
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.Header.Get("Content-Type") != "application/json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		auth.Store(r.Header.Get("Authorization"))
		var ev adapter.RunCompletedEvent
		if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		received <- ev
		w.WriteHeader(http.StatusAccepted)
	}))
	defer ts.Close()

	a, err := New(Config{URL: ts.URL, Headers: map[string]string{"Authorization": "Bearer hook"}})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer iox.DiscardClose(a)

	if err := a.Publish(t.Context(), testEvent()); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	ev := <-received
	if ev.RunID != "run-001" || ev.Status != "delivered" || ev.ArtifactID != "31.12.2024" {
		t.Errorf("received %+v", ev)
	}
	if auth.Load() != "Bearer hook" {
		t.Errorf("Authorization = %v", auth.Load())
	}
}

func TestPublish_StatusHandling(t *testing.T) {
	fastBackoff(t)
	tests := []struct {
		name      string
		statuses  []int
		retries   int
		wantCalls int32
		wantErr   bool
		wantCode  int
	}{
		{name: "5xx then success", statuses: []int{500, 502, 200}, retries: 3, wantCalls: 3},
		{name: "5xx exhausts retries", statuses: []int{503, 503, 503}, retries: 2, wantCalls: 3, wantErr: true, wantCode: 503},
		{name: "4xx fails immediately", statuses: []int{404}, retries: 3, wantCalls: 1, wantErr: true, wantCode: 404},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				n := int(calls.Add(1)) - 1
				w.WriteHeader(tt.statuses[min(n, len(tt.statuses)-1)])
			}))
			defer ts.Close()

			a, err := New(Config{URL: ts.URL, Retries: tt.retries})
			if err != nil {
				t.Fatal(err)
			}
			err = a.Publish(t.Context(), testEvent())
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
			if (err != nil) != tt.wantErr {
				t.Fatalf("err = %v, wantErr %v", err, tt.wantErr)
			}
			var se *StatusError
			if tt.wantErr && (!errors.As(err, &se) || se.Code != tt.wantCode) {
				t.Errorf("expected StatusError %d, got %v", tt.wantCode, err)
			}
		})
	}
}

func TestNew_Validation(t *testing.T) {
	if _, err := New(Config{}); err == nil {
		t.Error("expected error without URL")
	}
	if _, err := New(Config{URL: "http://x", Retries: -1}); err == nil {
		t.Error("expected error for negative retries")
	}
	a, err := New(Config{URL: "http://x"})
	if err != nil {
		t.Fatal(err)
	}
	if a.config.Timeout != DefaultTimeout {
		t.Errorf("Timeout = %v, want %v", a.config.Timeout, DefaultTimeout)
	}
}
