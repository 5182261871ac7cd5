package httpserver

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gorilla/mux"

	"chatrelay/internal/providers/whatsapp"
	sqsqueue "chatrelay/internal/queue/sqs"
)

type fakeQueue struct {
	batches []sqsqueue.PayloadBatch
	err     error
}

func (q *fakeQueue) Enqueue(_ context.Context, batch sqsqueue.PayloadBatch) error {
	if q.err != nil {
		return q.err
	}
	q.batches = append(q.batches, batch)
	return nil
}

func newWebhookRouter(q *fakeQueue) *mux.Router {
	h := &Webhook{Queue: q, AppSecret: "app-secret", VerifyToken: "verify-me"}
	m := mux.NewRouter()
	h.Register(m)
	return m
}

func TestWebhookVerifyHandshake(t *testing.T) {
	m := newWebhookRouter(&fakeQueue{})

	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=verify-me&hub.challenge=12345", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if rec.Body.String() != "12345" {
		t.Fatalf("body = %q, want the challenge echoed", rec.Body.String())
	}

	rec = httptest.NewRecorder()
	m.ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/v1/webhooks/whatsapp?hub.mode=subscribe&hub.verify_token=wrong&hub.challenge=12345", nil))
	if rec.Code != http.StatusForbidden {
		t.Fatalf("status = %d for bad token, want 403", rec.Code)
	}
}

func TestWebhookBatchSignature(t *testing.T) {
	q := &fakeQueue{}
	m := newWebhookRouter(q)
	body := `{"metaData":{"entry":[]}}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+whatsapp.Sign("app-secret", []byte(body)))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if len(q.batches) != 1 {
		t.Fatalf("enqueued %d batches, want 1", len(q.batches))
	}
	b := q.batches[0]
	if b.Provider != "whatsapp" || string(b.Body) != body {
		t.Fatalf("batch = %+v", b)
	}
}

func TestWebhookBatchRejectsBadSignature(t *testing.T) {
	q := &fakeQueue{}
	m := newWebhookRouter(q)

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp", strings.NewReader(`{}`))
	req.Header.Set("X-Hub-Signature-256", "sha256=deadbeef")
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if len(q.batches) != 0 {
		t.Fatalf("unsigned batch reached the queue")
	}
}

func TestWebhookBatchEnqueueFailure(t *testing.T) {
	q := &fakeQueue{err: errors.New("queue unreachable")}
	m := newWebhookRouter(q)
	body := `{"metaData":{"entry":[]}}`

	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", "sha256="+whatsapp.Sign("app-secret", []byte(body)))
	rec := httptest.NewRecorder()
	m.ServeHTTP(rec, req)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", rec.Code)
	}
}
