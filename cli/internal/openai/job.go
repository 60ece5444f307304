// Package openai (job.go) tracks a review job across its lifetime and
// polls a background job to a terminal state.
package openai

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"time"

	"redline/cli/internal/erruser"
)

var (
	// ErrJobFailed indicates the service reported a terminal failure,
	// or polling gave up after repeated errors.
	ErrJobFailed = errors.New("review job failed")
	// ErrJobTimedOut indicates the local deadline passed before the job
	// finished. The job may still complete on the service side.
	ErrJobTimedOut = errors.New("review job timed out")
	// ErrCancelled indicates the caller's context was cancelled while
	// waiting.
	ErrCancelled = errors.New("review cancelled")
)

// State is the lifecycle state of a review job.
type State int

const (
	StateSubmitted State = iota
	StatePolling
	StateCompleted
	StateFailed
	StateTimedOut
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateSubmitted:
		return "submitted"
	case StatePolling:
		return "polling"
	case StateCompleted:
		return "completed"
	case StateFailed:
		return "failed"
	case StateTimedOut:
		return "timed-out"
	case StateCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateTimedOut, StateCancelled:
		return true
	}
	return false
}

// Job is one submitted review. Response always holds the most recent
// payload seen for the job, so artifacts can be persisted even when the
// job ends badly. Await is the only mutator; it runs in the caller's
// goroutine, so no locking is needed.
type Job struct {
	ID       string
	Response *Response
	Err      error

	state State
}

// NewJob wraps a freshly created response.
func NewJob(resp *Response) *Job {
	return &Job{ID: resp.ID, Response: resp, state: StateSubmitted}
}

// State returns the job's current lifecycle state.
func (j *Job) State() State { return j.state }

// PollOptions tunes Await. Zero values take defaults.
type PollOptions struct {
	// InitialInterval is the first poll delay; each subsequent delay
	// doubles until MaxInterval. Default 2s.
	InitialInterval time.Duration
	// MaxInterval caps the poll delay. Default 30s.
	MaxInterval time.Duration
	// Timeout bounds the whole wait. Default 90m.
	Timeout time.Duration
	// MaxTransient is how many consecutive transient poll errors
	// (network, 429, 5xx) are tolerated before the job is declared
	// failed. Default 5.
	MaxTransient int
}

func (o PollOptions) withDefaults() PollOptions {
	if o.InitialInterval <= 0 {
		o.InitialInterval = 2 * time.Second
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = 30 * time.Second
	}
	if o.Timeout <= 0 {
		o.Timeout = 90 * time.Minute
	}
	if o.MaxTransient <= 0 {
		o.MaxTransient = 5
	}
	return o
}

type pollResult struct {
	resp *Response
	err  error
}

// Await polls a background job until it reaches a terminal state and
// returns the final response.
//
// Three things end the wait early. Cancelling ctx moves the job to
// Cancelled and sends a best-effort cancel to the service on a
// detached context. Passing the timeout moves it to TimedOut; the
// remote job is left running since it may still finish, and the error
// names the response ID so the run can be retried. A terminal service
// status other than completed, or too many consecutive transient poll
// errors, moves it to Failed.
//
// The returned response is non-nil whenever a payload was observed,
// including on failure, so callers can persist it.
func (c *Client) Await(ctx context.Context, job *Job, opts PollOptions) (*Response, error) {
	opts = opts.withDefaults()

	deadline := time.NewTimer(opts.Timeout)
	defer deadline.Stop()

	pollCtx, stopPolling := context.WithCancel(ctx)
	defer stopPolling()

	results := make(chan pollResult, 1)
	go func() {
		interval := opts.InitialInterval
		for {
			select {
			case <-pollCtx.Done():
				return
			case <-time.After(jitter(interval)):
			}
			resp, err := c.GetReview(pollCtx, job.ID)
			select {
			case results <- pollResult{resp: resp, err: err}:
			case <-pollCtx.Done():
				return
			}
			interval = min(interval*2, opts.MaxInterval)
		}
	}()

	job.state = StatePolling
	transient := 0
	for {
		select {
		case <-ctx.Done():
			job.state = StateCancelled
			job.Err = ctx.Err()
			c.cancelDetached(job.ID)
			return job.Response, erruser.New("Review cancelled.", errors.Join(ErrCancelled, ctx.Err()))

		case <-deadline.C:
			job.state = StateTimedOut
			job.Err = ErrJobTimedOut
			msg := fmt.Sprintf("Review did not finish within %s. The job may still complete on the service; response ID %s.", opts.Timeout, job.ID)
			return job.Response, erruser.New(msg, ErrJobTimedOut)

		case r := <-results:
			if r.err != nil {
				if pollCtx.Err() != nil {
					continue
				}
				if !transientPollError(r.err) {
					job.state = StateFailed
					job.Err = r.err
					return job.Response, erruser.New("Polling the review failed.", errors.Join(ErrJobFailed, r.err))
				}
				transient++
				if transient >= opts.MaxTransient {
					job.state = StateFailed
					job.Err = r.err
					msg := fmt.Sprintf("Polling the review kept failing (%d attempts in a row).", transient)
					return job.Response, erruser.New(msg, errors.Join(ErrJobFailed, r.err))
				}
				continue
			}
			transient = 0
			job.Response = r.resp

			switch r.resp.Status {
			case StatusCompleted:
				job.state = StateCompleted
				return r.resp, nil
			case StatusFailed, StatusCanceled, StatusIncomplete:
				job.state = StateFailed
				job.Err = fmt.Errorf("service status %q%s", r.resp.Status, serviceDetail(r.resp))
				msg := fmt.Sprintf("Review job ended with status %q%s.", r.resp.Status, serviceDetail(r.resp))
				return r.resp, erruser.New(msg, errors.Join(ErrJobFailed, job.Err))
			default:
				// queued, in_progress: keep waiting.
			}
		}
	}
}

// cancelDetached tells the service to stop a job after the caller's
// context is already dead, on its own short deadline.
func (c *Client) cancelDetached(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = c.CancelReview(ctx, id)
}

func serviceDetail(r *Response) string {
	if r.Error != nil && r.Error.Message != "" {
		return ": " + r.Error.Message
	}
	if r.Incomplete != nil && r.Incomplete.Reason != "" {
		return ": " + r.Incomplete.Reason
	}
	return ""
}

func transientPollError(err error) bool {
	if errors.Is(err, ErrUnreachable) {
		return true
	}
	var se *statusError
	if errors.As(err, &se) {
		return se.transient()
	}
	return false
}

// jitter spreads a delay ±20% so concurrent runs don't align their
// polls.
func jitter(d time.Duration) time.Duration {
	f := 0.8 + 0.4*rand.Float64()
	return time.Duration(float64(d) * f)
}
