package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"
)

// fastPoll keeps the wait loops short enough for tests.
func fastPoll() PollOptions {
	return PollOptions{
		InitialInterval: time.Millisecond,
		MaxInterval:     5 * time.Millisecond,
		Timeout:         5 * time.Second,
	}
}

func TestAwait_completesAfterPolling(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/responses/resp_1" {
			t.Errorf("path = %q, want /responses/resp_1", r.URL.Path)
		}
		switch polls.Add(1) {
		case 1:
			w.Write([]byte(`{"id":"resp_1","status":"queued"}`))
		case 2:
			w.Write([]byte(`{"id":"resp_1","status":"in_progress"}`))
		default:
			w.Write([]byte(`{"id":"resp_1","status":"completed","output_text":"all done"}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1", Status: StatusQueued})
	if job.State() != StateSubmitted {
		t.Errorf("fresh job state = %v, want submitted", job.State())
	}

	resp, err := client.Await(context.Background(), job, fastPoll())
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if resp.Text() != "all done" {
		t.Errorf("Text() = %q", resp.Text())
	}
	if job.State() != StateCompleted {
		t.Errorf("job state = %v, want completed", job.State())
	}
	if got := polls.Load(); got < 3 {
		t.Errorf("polls = %d, want at least 3", got)
	}
}

func TestAwait_serviceFailureStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"resp_1","status":"failed","error":{"code":"server_error","message":"model exploded"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	resp, err := client.Await(context.Background(), job, fastPoll())
	if err == nil {
		t.Fatal("Await: want error for failed status, got nil")
	}
	if !errors.Is(err, ErrJobFailed) {
		t.Errorf("error should wrap ErrJobFailed: %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("job state = %v, want failed", job.State())
	}
	if resp == nil {
		t.Fatal("failed job should still return the observed response")
	}
	if resp.Error == nil || resp.Error.Message != "model exploded" {
		t.Errorf("response error = %+v", resp.Error)
	}
}

func TestAwait_incompleteStatusIsFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"resp_1","status":"incomplete","incomplete_details":{"reason":"max_output_tokens"}}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	_, err := client.Await(context.Background(), job, fastPoll())
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("error should wrap ErrJobFailed: %v", err)
	}
	if job.Err == nil || job.Err.Error() != `service status "incomplete": max_output_tokens` {
		t.Errorf("job.Err = %v", job.Err)
	}
}

func TestAwait_timeoutDistinctFromFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"resp_1","status":"in_progress"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	opts := fastPoll()
	opts.Timeout = 250 * time.Millisecond

	resp, err := client.Await(context.Background(), job, opts)
	if err == nil {
		t.Fatal("Await: want timeout error, got nil")
	}
	if !errors.Is(err, ErrJobTimedOut) {
		t.Errorf("error should wrap ErrJobTimedOut: %v", err)
	}
	if errors.Is(err, ErrJobFailed) {
		t.Errorf("timeout must not read as job failure: %v", err)
	}
	if job.State() != StateTimedOut {
		t.Errorf("job state = %v, want timed-out", job.State())
	}
	if resp == nil {
		t.Error("last observed response should be returned on timeout")
	}
}

func TestAwait_cancelNotifiesService(t *testing.T) {
	t.Parallel()

	firstPoll := make(chan struct{})
	var once atomic.Bool
	var cancelled atomic.Bool
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost && r.URL.Path == "/responses/resp_1/cancel" {
			cancelled.Store(true)
			w.Write([]byte(`{"id":"resp_1","status":"canceled"}`))
			return
		}
		if once.CompareAndSwap(false, true) {
			close(firstPoll)
		}
		w.Write([]byte(`{"id":"resp_1","status":"in_progress"}`))
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		<-firstPoll
		cancel()
	}()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	_, err := client.Await(ctx, job, fastPoll())
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("error should wrap ErrCancelled: %v", err)
	}
	if job.State() != StateCancelled {
		t.Errorf("job state = %v, want cancelled", job.State())
	}
	if !cancelled.Load() {
		t.Error("service should have received a cancel request")
	}
}

func TestAwait_transientErrorsRecover(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch polls.Add(1) {
		case 1:
			http.Error(w, "upstream hiccup", http.StatusBadGateway)
		case 2:
			http.Error(w, "slow down", http.StatusTooManyRequests)
		default:
			w.Write([]byte(`{"id":"resp_1","status":"completed","output_text":"recovered"}`))
		}
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	resp, err := client.Await(context.Background(), job, fastPoll())
	if err != nil {
		t.Fatalf("Await should ride out transient errors: %v", err)
	}
	if resp.Text() != "recovered" {
		t.Errorf("Text() = %q", resp.Text())
	}
}

func TestAwait_transientErrorsExhausted(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		http.Error(w, "nope", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	opts := fastPoll()
	opts.MaxTransient = 2

	_, err := client.Await(context.Background(), job, opts)
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("error should wrap ErrJobFailed after retries: %v", err)
	}
	if job.State() != StateFailed {
		t.Errorf("job state = %v, want failed", job.State())
	}
	if got := polls.Load(); got != 2 {
		t.Errorf("polls = %d, want exactly MaxTransient (2)", got)
	}
}

func TestAwait_permanentPollErrorFailsFast(t *testing.T) {
	t.Parallel()

	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		polls.Add(1)
		http.Error(w, "no such response", http.StatusNotFound)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "k", srv.Client())
	job := NewJob(&Response{ID: "resp_1"})
	_, err := client.Await(context.Background(), job, fastPoll())
	if !errors.Is(err, ErrJobFailed) {
		t.Fatalf("error should wrap ErrJobFailed: %v", err)
	}
	if got := polls.Load(); got != 1 {
		t.Errorf("polls = %d, want 1 (404 is not retryable)", got)
	}
}

func TestTransientPollError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"network", fmt.Errorf("GET /x: %w", errors.Join(ErrUnreachable, errors.New("refused"))), true},
		{"http_429", fmt.Errorf("get response: %w", &statusError{code: 429}), true},
		{"http_503", fmt.Errorf("get response: %w", &statusError{code: 503}), true},
		{"http_404", fmt.Errorf("get response: %w", &statusError{code: 404}), false},
		{"auth", fmt.Errorf("get response: %w: HTTP 401: denied", ErrAuth), false},
		{"other", errors.New("parse body: bad json"), false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := transientPollError(tt.err); got != tt.want {
				t.Errorf("transientPollError(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestState_String(t *testing.T) {
	t.Parallel()

	tests := []struct {
		state State
		want  string
	}{
		{StateSubmitted, "submitted"},
		{StatePolling, "polling"},
		{StateCompleted, "completed"},
		{StateFailed, "failed"},
		{StateTimedOut, "timed-out"},
		{StateCancelled, "cancelled"},
		{State(42), "state(42)"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", int(tt.state), got, tt.want)
		}
	}
}

func TestState_Terminal(t *testing.T) {
	t.Parallel()

	for _, s := range []State{StateCompleted, StateFailed, StateTimedOut, StateCancelled} {
		if !s.Terminal() {
			t.Errorf("%v should be terminal", s)
		}
	}
	for _, s := range []State{StateSubmitted, StatePolling} {
		if s.Terminal() {
			t.Errorf("%v should not be terminal", s)
		}
	}
}

func TestPollOptions_withDefaults(t *testing.T) {
	t.Parallel()

	got := PollOptions{}.withDefaults()
	if got.InitialInterval != 2*time.Second || got.MaxInterval != 30*time.Second {
		t.Errorf("intervals = %v/%v", got.InitialInterval, got.MaxInterval)
	}
	if got.Timeout != 90*time.Minute {
		t.Errorf("timeout = %v", got.Timeout)
	}
	if got.MaxTransient != 5 {
		t.Errorf("max transient = %d", got.MaxTransient)
	}

	set := PollOptions{InitialInterval: time.Second, MaxInterval: time.Minute, Timeout: time.Hour, MaxTransient: 9}
	if got := set.withDefaults(); got != set {
		t.Errorf("explicit options changed: %+v", got)
	}
}

func TestJitter_staysWithinBounds(t *testing.T) {
	t.Parallel()

	base := 100 * time.Millisecond
	for i := 0; i < 200; i++ {
		d := jitter(base)
		if d < 80*time.Millisecond || d > 120*time.Millisecond {
			t.Fatalf("jitter(%v) = %v, want within ±20%%", base, d)
		}
	}
}
