package httpserver

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"chatrelay/internal/domain"
	"chatrelay/internal/service"
	"chatrelay/internal/util"
)

type API struct {
	Svc *service.ChatService
}

func (a *API) Register(m *mux.Router) {
	m.HandleFunc("/v1/messages", a.handleCreateMessage).Methods(http.MethodPost)
	m.HandleFunc("/v1/messages/read", a.handleMarkRead).Methods(http.MethodPut)
	m.HandleFunc("/v1/messages/{externalId}/status", a.handleUpdateStatus).Methods(http.MethodPut)
	m.HandleFunc("/v1/chats", a.handleChatHeads).Methods(http.MethodGet)
	m.HandleFunc("/v1/chats/{peer}/messages", a.handleConversation).Methods(http.MethodGet)
	m.HandleFunc("/v1/chats/{peer}/open", a.handleOpenChat).Methods(http.MethodPost)
}

func (a *API) handleCreateMessage(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}

	msg, err := a.Svc.CreateMessage(r.Context(), req, util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		slog.Error("create message failed", "err", err, "sender_id", req.SenderID, "recipient_id", req.RecipientID)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusCreated, msg)
}

var allowedStatuses = map[domain.Status]bool{
	domain.StatusQueued:    true,
	domain.StatusSent:      true,
	domain.StatusDelivered: true,
	domain.StatusRead:      true,
	domain.StatusFailed:    true,
}

func (a *API) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	externalID := mux.Vars(r)["externalId"]

	var body struct {
		Status domain.Status `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if !allowedStatuses[body.Status] {
		http.Error(w, ErrInvalidStatus, http.StatusBadRequest)
		return
	}

	msg, modified, err := a.Svc.UpdateStatus(r.Context(), domain.StatusUpdateRequest{
		ExternalID: externalID,
		Status:     body.Status,
	}, util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			http.Error(w, ErrNotFound, http.StatusNotFound)
			return
		}
		slog.Error("update status failed", "err", err, "external_id", externalID, "status", string(body.Status))
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Modified bool           `json:"modified"`
		Message  domain.Message `json:"message"`
	}{Modified: modified, Message: msg})
}

func (a *API) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	self := r.URL.Query().Get("self")
	peer := r.URL.Query().Get("peer")

	res, err := a.Svc.MarkConversationRead(r.Context(), "", self, peer, util.NowUTC())
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, ErrMissingParams, http.StatusBadRequest)
			return
		}
		slog.Error("mark read failed", "err", err, "self", self, "peer", peer)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Modified int64    `json:"modified"`
		IDs      []string `json:"ids"`
	}{Modified: res.Modified, IDs: res.Identifiers})
}

func (a *API) handleOpenChat(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]

	var body struct {
		Self         string `json:"self"`
		ConnectionID string `json:"connectionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, ErrInvalidJSON, http.StatusBadRequest)
		return
	}
	if body.Self == "" || body.ConnectionID == "" {
		http.Error(w, ErrMissingParams, http.StatusBadRequest)
		return
	}

	res, err := a.Svc.MarkConversationRead(r.Context(), body.ConnectionID, body.Self, peer, util.NowUTC())
	if err != nil {
		slog.Error("open chat failed", "err", err, "self", body.Self, "peer", peer)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}

	writeJSON(w, http.StatusOK, struct {
		Modified int64    `json:"modified"`
		IDs      []string `json:"ids"`
	}{Modified: res.Modified, IDs: res.Identifiers})
}

func (a *API) handleChatHeads(w http.ResponseWriter, r *http.Request) {
	self := r.URL.Query().Get("self")
	heads, err := a.Svc.ChatHeads(r.Context(), self)
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, ErrMissingParams, http.StatusBadRequest)
			return
		}
		slog.Error("chat heads failed", "err", err, "self", self)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, heads)
}

func (a *API) handleConversation(w http.ResponseWriter, r *http.Request) {
	peer := mux.Vars(r)["peer"]
	self := r.URL.Query().Get("self")

	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, _ = strconv.Atoi(raw)
	}
	var before *time.Time
	if raw := r.URL.Query().Get("before"); raw != "" {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			http.Error(w, ErrMissingParams, http.StatusBadRequest)
			return
		}
		before = &t
	}

	msgs, err := a.Svc.Conversation(r.Context(), self, peer, limit, before)
	if err != nil {
		if errors.Is(err, domain.ErrMissingFields) {
			http.Error(w, ErrMissingParams, http.StatusBadRequest)
			return
		}
		slog.Error("conversation failed", "err", err, "self", self, "peer", peer)
		http.Error(w, ErrDependency, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, msgs)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
