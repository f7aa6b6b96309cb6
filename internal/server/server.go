// Package server exposes the push-notification processing endpoint
// and the watch management endpoints.
package server

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/awarman/replygate/internal/mailbox"
	"github.com/awarman/replygate/internal/notify"
	"github.com/awarman/replygate/internal/respond"
)

const maxBodyBytes = 1 << 20

// Server handles notification pushes. A mailbox client is built per
// request, so credential failures surface as retryable server errors
// on the request that hit them.
type Server struct {
	Logger *slog.Logger
	// Topic is the notification topic used when renewing the watch.
	Topic string
	// TestMode acknowledges structurally valid notifications without
	// touching credentials or the mailbox.
	TestMode bool
	// NewClient acquires credentials and builds the mailbox client.
	NewClient func(ctx context.Context) (mailbox.Client, error)
	// NewResponder wires the pipeline around a client.
	NewResponder func(client mailbox.Client) *respond.Service
}

// Handler returns the HTTP routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /process", s.handleProcess)
	mux.HandleFunc("GET /healthz", s.handleHealth)
	mux.HandleFunc("GET /watch", s.handleWatchStatus)
	mux.HandleFunc("POST /watch/renew", s.handleWatchRenew)
	return mux
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	log := s.Logger.With("request_id", uuid.NewString())

	body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	n, err := notify.Decode(body)
	if err != nil {
		log.WarnContext(ctx, "rejected notification", "error", err)
		switch {
		case errors.Is(err, notify.ErrBadEnvelope), errors.Is(err, notify.ErrBadPayload):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			writeError(w, http.StatusBadRequest, "malformed notification")
		}
		return
	}
	log = log.With("account", n.EmailAddress, "cursor", n.History)
	log.InfoContext(ctx, "notification received")

	if s.TestMode {
		writeJSON(w, http.StatusOK, map[string]any{
			"status":        "success",
			"message":       "test mode: notification received but not processed",
			"email_address": n.EmailAddress,
			"history_id":    string(n.History),
		})
		return
	}

	client, err := s.NewClient(ctx)
	if err != nil {
		// Without credentials nothing downstream can run; a 500 makes
		// the transport redeliver the notification later.
		log.ErrorContext(ctx, "mailbox client unavailable", "error", err)
		writeError(w, http.StatusInternalServerError, "mailbox unavailable")
		return
	}
	if err := s.NewResponder(client).HandleNotification(ctx, n); err != nil {
		log.ErrorContext(ctx, "notification processing failed", "error", err)
		writeError(w, http.StatusInternalServerError, "processing failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":    "healthy",
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleWatchStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := s.NewClient(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mailbox unavailable")
		return
	}
	profile, err := client.GetProfile(ctx)
	if err != nil {
		s.Logger.ErrorContext(ctx, "watch status check failed", "error", err)
		writeError(w, http.StatusInternalServerError, "watch status check failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "success",
		"watchActive": profile.History != "",
		"historyId":   string(profile.History),
	})
}

func (s *Server) handleWatchRenew(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	client, err := s.NewClient(ctx)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "mailbox unavailable")
		return
	}
	info, err := client.Watch(ctx, s.Topic)
	if err != nil {
		s.Logger.ErrorContext(ctx, "watch renewal failed", "error", err)
		writeError(w, http.StatusInternalServerError, "watch renewal failed")
		return
	}
	s.Logger.InfoContext(ctx, "watch renewed", "history", info.History, "expires", info.Expires)
	writeJSON(w, http.StatusOK, map[string]any{
		"status":     "success",
		"historyId":  string(info.History),
		"expiration": info.Expires.UnixMilli(),
	})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]any{"status": "error", "message": msg})
}
