package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5/middleware"

	"github.com/ronitervo/creditledger"
)

// sseWriter writes stream events as Server-Sent Events. Headers are sent
// with the first event so errors raised before the reservation can still be
// answered with a plain JSON status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) emit(ev creditledger.StreamEvent) error {
	if !s.started {
		h := s.w.Header()
		h.Set("Content-Type", "text/event-stream")
		h.Set("Cache-Control", "no-cache")
		h.Set("Connection", "keep-alive")
		h.Set("X-Accel-Buffering", "no")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}

	if ev.Type == creditledger.StreamKeepAlive {
		if _, err := fmt.Fprint(s.w, ": keepalive\n\n"); err != nil {
			return err
		}
		s.flusher.Flush()
		return nil
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("httpapi: encode event: %w", err)
	}
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", ev.Type, data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

// handleStreamGenerate serves POST /v1/generate/stream.
func (s *Server) handleStreamGenerate(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, creditledger.ErrInternal, "streaming not supported")
		return
	}

	if err := s.checkAttestation(r); err != nil {
		s.logger.Warn("attestation rejected",
			"request_id", middleware.GetReqID(r.Context()),
			"uid", userID(r),
			"error", err,
		)
		writeError(w, creditledger.ErrUnauthenticated, "invalid attestation token")
		return
	}

	var req generateRequest
	if !decode(w, r, &req) {
		return
	}

	sse := &sseWriter{w: w, flusher: flusher}
	err := s.gateway.StreamGenerate(r.Context(), userID(r), creditledger.Action(req.Action), req.SessionID, req.Payload, sse.emit)
	if err != nil && !sse.started {
		s.fail(w, r, err)
		return
	}
	if err != nil {
		s.logger.Info("stream ended with error",
			"request_id", middleware.GetReqID(r.Context()),
			"uid", userID(r),
			"session", req.SessionID,
			"action", req.Action,
			"error", err,
		)
	}
}
