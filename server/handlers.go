package server

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"relaychat/metrics"
	"relaychat/models"
)

// Router wires the websocket endpoint, the history API and metrics.
func Router(hub *Hub, store *Store, logger *zap.Logger) *mux.Router {
	h := &apiHandler{store: store, log: logger}

	r := mux.NewRouter()
	r.HandleFunc("/ws", hub.ServeWS)
	r.HandleFunc("/api/conversations", h.getConversations).Methods("GET")
	r.HandleFunc("/api/conversations/{id}/messages", h.getMessages).Methods("GET")
	r.Handle("/metrics", promhttp.Handler())
	return r
}

type apiHandler struct {
	store *Store
	log   *zap.Logger
}

// getConversations returns every conversation that has messages.
func (h *apiHandler) getConversations(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	conversations, err := h.store.Conversations()
	if err != nil {
		h.log.Error("list conversations", zap.Error(err))
		http.Error(w, `{"error": "Failed to get conversations"}`, http.StatusInternalServerError)
		return
	}

	if conversations == nil {
		conversations = []models.Conversation{}
	}

	json.NewEncoder(w).Encode(conversations)
}

// getMessages returns one history page for a conversation.
func (h *apiHandler) getMessages(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	vars := mux.Vars(r)
	conversationID := vars["id"]

	// Pagination params
	limit := 50
	page := 1
	if l := r.URL.Query().Get("limit"); l != "" {
		if parsed, err := strconv.Atoi(l); err == nil && parsed > 0 && parsed <= 100 {
			limit = parsed
		}
	}
	if p := r.URL.Query().Get("page"); p != "" {
		if parsed, err := strconv.Atoi(p); err == nil && parsed > 0 {
			page = parsed
		}
	}

	messages, hasMore, err := h.store.GetMessages(conversationID, page, limit)
	if err != nil {
		h.log.Error("get messages", zap.Error(err))
		http.Error(w, `{"error": "Failed to get messages"}`, http.StatusInternalServerError)
		return
	}
	metrics.HistoryRequests.Inc()

	if messages == nil {
		messages = []models.Message{}
	}

	json.NewEncoder(w).Encode(models.MessagePage{
		Messages: messages,
		HasMore:  hasMore,
	})
}
