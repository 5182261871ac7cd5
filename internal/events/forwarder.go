package events

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"chatrelay/internal/observability"
)

// Forwarder mirrors published events to an external webhook as JSON.
// Posting is asynchronous and best-effort: a full queue drops the event,
// an open breaker fails fast, transient HTTP failures get a few retries.
type Forwarder struct {
	URL     string
	HTTP    *http.Client
	Limiter *rate.Limiter
	Breaker *gobreaker.CircuitBreaker

	queue chan forwardJob
}

type forwardJob struct {
	identity string
	ev       Event
}

func NewForwarder(url string, limiter *rate.Limiter, breaker *gobreaker.CircuitBreaker) *Forwarder {
	return &Forwarder{
		URL:     url,
		HTTP:    &http.Client{Timeout: 6 * time.Second},
		Limiter: limiter,
		Breaker: breaker,
		queue:   make(chan forwardJob, 256),
	}
}

// Publish enqueues the event for delivery. Never blocks the dispatch path.
func (f *Forwarder) Publish(identity string, ev Event) {
	select {
	case f.queue <- forwardJob{identity: identity, ev: ev}:
	default:
		observability.ForwarderDeliveries.WithLabelValues("dropped", "0").Inc()
		slog.Warn("forwarder queue full, event dropped", "identity", identity, "event_type", ev.Type)
	}
}

// Run drains the queue until ctx is canceled.
func (f *Forwarder) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-f.queue:
			f.deliver(ctx, job)
		}
	}
}

func (f *Forwarder) deliver(ctx context.Context, job forwardJob) {
	body, err := json.Marshal(struct {
		Identity string `json:"identity"`
		Event
	}{Identity: job.identity, Event: job.ev})
	if err != nil {
		return
	}

	start := time.Now()
	for attempt := 0; attempt < 3; attempt++ {
		if f.Limiter != nil {
			waitCtx, cancelWait := context.WithTimeout(ctx, 2*time.Second)
			err := f.Limiter.Wait(waitCtx)
			cancelWait()
			if err != nil {
				observability.ForwarderDeliveries.WithLabelValues("rate_limited_local", "0").Inc()
				continue
			}
		}

		status, err := f.post(ctx, body)

		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			// transient downstream protection; do not burn retries
			observability.ForwarderDeliveries.WithLabelValues("cb_open", "0").Inc()
			return
		}
		if err == nil {
			observability.ForwarderDeliveries.WithLabelValues("ok", strconv.Itoa(status)).Inc()
			observability.ForwarderLatency.Observe(time.Since(start).Seconds())
			return
		}

		observability.ForwarderDeliveries.WithLabelValues("error", strconv.Itoa(status)).Inc()
		if !shouldRetry(err, status) {
			slog.Error("forwarder delivery failed", "err", err, "event_type", job.ev.Type, "http_status", status)
			return
		}
		time.Sleep(backoff(attempt))
	}
	slog.Error("forwarder retries exhausted", "event_type", job.ev.Type, "identity", job.identity)
}

func (f *Forwarder) post(ctx context.Context, body []byte) (int, error) {
	call := func() (any, error) {
		reqCtx, cancel := context.WithTimeout(ctx, 6*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, f.URL, bytes.NewReader(body))
		if err != nil {
			return 0, err
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := f.HTTP.Do(req)
		if err != nil {
			return 0, err
		}
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)

		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return resp.StatusCode, errors.New("forwarder post failed: " + resp.Status)
		}
		return resp.StatusCode, nil
	}

	if f.Breaker == nil {
		status, err := call()
		return status.(int), err
	}
	status, err := f.Breaker.Execute(call)
	if status == nil {
		return 0, err
	}
	return status.(int), err
}

func shouldRetry(err error, httpStatus int) bool {
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return true
		}
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			return true
		}
	}
	if httpStatus == 429 || httpStatus == 408 {
		return true
	}
	return httpStatus >= 500 && httpStatus <= 599
}

func backoff(attempt int) time.Duration {
	base := []time.Duration{200 * time.Millisecond, 600 * time.Millisecond, 1400 * time.Millisecond}
	if attempt <= 0 {
		return base[0]
	}
	if attempt >= len(base) {
		return base[len(base)-1]
	}
	return base[attempt]
}
