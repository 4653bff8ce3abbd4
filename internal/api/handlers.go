package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/whisper/securechat/internal/message"
)

const healthTimeout = 2 * time.Second

type handlers struct {
	deps Dependencies
}

type sendRequest struct {
	Message string `json:"message"`
}

func (h *handlers) sendMessage(w http.ResponseWriter, r *http.Request) {
	senderID, _ := UserID(r.Context())
	receiverID := chi.URLParam(r, "id")

	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	view, err := h.deps.Messages.Send(r.Context(), senderID, receiverID, req.Message)
	switch {
	case err == nil:
		writeJSON(w, http.StatusCreated, view)
	case errors.Is(err, message.ErrInvalidMessage):
		writeError(w, http.StatusBadRequest, validationMessage(err))
	case errors.Is(err, message.ErrReceiverNotFound):
		writeError(w, http.StatusNotFound, "Receiver not found")
	case errors.Is(err, message.ErrSenderNotFound):
		writeError(w, http.StatusUnauthorized, "Unauthorized - User not found")
	case errors.Is(err, message.ErrCipher):
		log.WithError(err).WithField("sender", senderID).Error("send: encryption failed")
		writeError(w, http.StatusInternalServerError, "Encryption failed")
	default:
		log.WithError(err).WithField("sender", senderID).Error("send failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
	}
}

func (h *handlers) getMessages(w http.ResponseWriter, r *http.Request) {
	readerID, _ := UserID(r.Context())
	otherID := chi.URLParam(r, "id")

	views, err := h.deps.Messages.History(r.Context(), readerID, otherID)
	if err != nil {
		log.WithError(err).WithField("reader", readerID).Error("history failed")
		writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}
	writeJSON(w, http.StatusOK, views)
}

func (h *handlers) onlineUsers(w http.ResponseWriter, r *http.Request) {
	users := []string{}
	if h.deps.Online != nil {
		users = h.deps.Online.OnlineUsers(r.Context())
	}
	writeJSON(w, http.StatusOK, users)
}

type healthResponse struct {
	Status      string            `json:"status"`
	Timestamp   string            `json:"timestamp"`
	Uptime      string            `json:"uptime,omitempty"`
	Connections int               `json:"connections"`
	Checks      map[string]string `json:"checks,omitempty"`
}

// health reports "healthy", or "degraded" with 503 when a dependency check
// fails.
func (h *handlers) health(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:    "healthy",
		Timestamp: time.Now().UTC().Format(time.RFC3339),
	}
	if h.deps.Live != nil {
		resp.Uptime = h.deps.Live.Uptime().Round(time.Second).String()
		resp.Connections = h.deps.Live.Count()
	}

	code := http.StatusOK
	if len(h.deps.Checks) > 0 {
		ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
		defer cancel()

		resp.Checks = make(map[string]string, len(h.deps.Checks))
		for name, p := range h.deps.Checks {
			if err := p.Ping(ctx); err != nil {
				resp.Checks[name] = err.Error()
				resp.Status = "degraded"
				code = http.StatusServiceUnavailable
				continue
			}
			resp.Checks[name] = "ok"
		}
	}
	writeJSON(w, code, resp)
}

// validationMessage strips the sentinel prefix from a validation error.
func validationMessage(err error) string {
	return strings.TrimPrefix(err.Error(), message.ErrInvalidMessage.Error()+": ")
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Debug("write response")
	}
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
