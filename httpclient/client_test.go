package httpclient

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestPostJSONRetries(t *testing.T) {
	tests := []struct {
		name       string
		statuses   []int
		maxRetries int
		wantCalls  int32
		wantStatus int
	}{
		{name: "ok first time", statuses: []int{200}, maxRetries: 2, wantCalls: 1},
		{name: "5xx then ok", statuses: []int{502, 503, 200}, maxRetries: 2, wantCalls: 3},
		{name: "429 then ok", statuses: []int{429, 200}, maxRetries: 1, wantCalls: 2},
		{name: "4xx not retried", statuses: []int{409}, maxRetries: 3, wantCalls: 1, wantStatus: 409},
		{name: "retries exhausted", statuses: []int{500, 500}, maxRetries: 1, wantCalls: 2, wantStatus: 500},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				n := calls.Add(1)
				if r.Header.Get("Idempotency-Key") != "tx-1" || r.Header.Get("X-Node") != "a" {
					t.Errorf("missing headers: %v", r.Header)
				}
				w.WriteHeader(tt.statuses[n-1])
				_, _ = w.Write([]byte(`{"ok":true}`))
			}))
			defer srv.Close()

			c := New(Config{
				BaseURL:    srv.URL,
				Logger:     zerolog.Nop(),
				Headers:    map[string]string{"X-Node": "a"},
				MaxRetries: tt.maxRetries,
				Backoff:    time.Millisecond,
			})
			var out struct {
				OK bool `json:"ok"`
			}
			err := c.PostJSON(context.Background(), "/payouts", map[string]int{"amount": 1}, map[string]string{"Idempotency-Key": "tx-1"}, &out)

			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("expected %d calls, got %d", tt.wantCalls, got)
			}
			if tt.wantStatus == 0 {
				if err != nil || !out.OK {
					t.Fatalf("expected success, got %v %+v", err, out)
				}
				return
			}
			var se *StatusError
			if !errors.As(err, &se) || se.StatusCode != tt.wantStatus {
				t.Fatalf("expected status error %d, got %v", tt.wantStatus, err)
			}
		})
	}
}

func TestPostJSONStopsOnCancel(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := New(Config{BaseURL: srv.URL, Logger: zerolog.Nop(), MaxRetries: 5})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	err := c.PostJSON(ctx, "/payouts", struct{}{}, nil, nil)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline error, got %v", err)
	}
	if time.Since(start) > 5*time.Second {
		t.Error("expected cancel to cut the Retry-After wait")
	}
}
