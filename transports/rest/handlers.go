package rest

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/glimte/queuegate"
	"github.com/glimte/queuegate/broker"
)

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func (s *Server) handleEndpoints(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Endpoints())
}

func (s *Server) handleListPending(w http.ResponseWriter, r *http.Request) {
	cf, queue := r.PathValue("cf"), r.PathValue("queue")

	var opts []queuegate.ListOption
	if sel := r.URL.Query().Get("selector"); sel != "" {
		opts = append(opts, queuegate.WithSelector(sel))
	}

	res, err := s.gateway.ListPending(r.Context(), cf, queue, opts...)
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if res.Status == queuegate.StatusNotFound {
		writeNotFound(w, res.Reason)
		return
	}
	writeJSON(w, http.StatusOK, res.MessageIDs)
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	cf, queue := r.PathValue("cf"), r.PathValue("queue")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.maxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "body_too_large", err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := s.gateway.Send(r.Context(), cf, queue, string(body), s.messageHeaders(r.Header))
	if err != nil {
		s.writeFailure(w, err)
		return
	}
	if res.Status == queuegate.StatusNotFound {
		writeNotFound(w, res.Reason)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, res.MessageID)
}

// messageHeaders picks the request headers carrying the configured prefix.
// Multi-valued headers keep their first value.
func (s *Server) messageHeaders(h http.Header) broker.Headers {
	picked := make(map[string]any, len(h))
	for k := range h {
		if s.headerPrefix == "" || strings.HasPrefix(strings.ToLower(k), strings.ToLower(s.headerPrefix)) {
			picked[k] = h.Get(k)
		}
	}
	return broker.HeadersFromMap(picked)
}

func (s *Server) writeFailure(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, broker.ErrHeaderConversionFailed):
		writeError(w, http.StatusBadRequest, "header_conversion_failed", err.Error())
	case errors.Is(err, broker.ErrInvalidSelector):
		writeError(w, http.StatusBadRequest, "invalid_selector", err.Error())
	case errors.Is(err, broker.ErrBrowseRefused):
		writeError(w, http.StatusConflict, "browse_refused", err.Error())
	case broker.IsNotFound(err):
		writeError(w, http.StatusNotFound, "unresolvable_destination", err.Error())
	case broker.IsInfrastructure(err):
		s.logger.Warn("broker unavailable", "error", err)
		w.Header().Set("Retry-After", retryAfterSeconds)
		writeError(w, http.StatusServiceUnavailable, "unavailable", err.Error())
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", err.Error())
	}
}

func writeNotFound(w http.ResponseWriter, reason queuegate.Reason) {
	code := "endpoint_unknown"
	if reason == queuegate.ReasonNothingPending {
		code = "nothing_pending"
	}
	writeError(w, http.StatusNotFound, code, reason.String())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: message, Code: code})
}
