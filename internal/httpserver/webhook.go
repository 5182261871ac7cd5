package httpserver

import (
	"context"
	"io"
	"log/slog"
	"net/http"

	"github.com/gorilla/mux"

	"chatrelay/internal/observability"
	"chatrelay/internal/providers/whatsapp"
	sqsqueue "chatrelay/internal/queue/sqs"
	"chatrelay/internal/util"
)

const maxWebhookBody = 1 << 20 // provider batches are small; 1MB is generous

type WebhookQueue interface {
	Enqueue(ctx context.Context, batch sqsqueue.PayloadBatch) error
}

// Webhook is the provider-facing edge: it answers the subscription
// handshake, verifies payload signatures and hands the raw batch to the
// ingestion queue. No parsing happens here.
type Webhook struct {
	Queue       WebhookQueue
	AppSecret   string
	VerifyToken string
}

func (h *Webhook) Register(m *mux.Router) {
	m.HandleFunc("/v1/webhooks/whatsapp", h.handleVerify).Methods(http.MethodGet)
	m.HandleFunc("/v1/webhooks/whatsapp", h.handleBatch).Methods(http.MethodPost)
}

// handleVerify answers the provider's subscription handshake by echoing
// hub.challenge when the verify token matches.
func (h *Webhook) handleVerify(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	if q.Get("hub.mode") == "subscribe" && q.Get("hub.verify_token") == h.VerifyToken {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(q.Get("hub.challenge")))
		return
	}
	http.Error(w, "verification failed", http.StatusForbidden)
}

func (h *Webhook) handleBatch(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		observability.WebhookBatches.WithLabelValues("bad_body").Inc()
		http.Error(w, "bad body", http.StatusBadRequest)
		return
	}

	sig := r.Header.Get("X-Hub-Signature-256")
	if !whatsapp.VerifySignature(h.AppSecret, sig, body) {
		observability.WebhookBatches.WithLabelValues("bad_signature").Inc()
		http.Error(w, ErrInvalidSignature, http.StatusUnauthorized)
		return
	}

	if err := h.Queue.Enqueue(r.Context(), sqsqueue.PayloadBatch{
		Provider:   "whatsapp",
		Body:       body,
		ReceivedAt: util.NowUTC(),
	}); err != nil {
		observability.WebhookBatches.WithLabelValues("enqueue_error").Inc()
		slog.Error("webhook enqueue failed", "err", err)
		http.Error(w, ErrDependency, http.StatusInternalServerError)
		return
	}

	observability.WebhookBatches.WithLabelValues("ok").Inc()
	w.WriteHeader(http.StatusOK)
}
