package main

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"go.uber.org/zap"
)

const maxRequestBody = 64 * 1024

// POST /api/download
func (srv *Server) handleExtract(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}

	var req Request
	if err := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody)).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "Invalid JSON")
		return
	}

	result, err := srv.dispatcher.Dispatch(r.Context(), req.URL)
	if err != nil {
		srv.writeOutcomeError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(result.Payload)
}

// GET /api/proxy-download?url=...&filename=...
func (srv *Server) handleProxyDownload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "Invalid request method")
		return
	}

	q := r.URL.Query()
	stream, err := srv.relay.Open(r.Context(), q.Get("url"), q.Get("filename"))
	if err != nil {
		srv.writeOutcomeError(w, r, err)
		return
	}

	n, err := stream.Serve(w)
	if err != nil {
		// Headers are already out; the client sees a truncated body.
		srv.log.Warn("relay interrupted",
			zap.String("request_id", requestIDFrom(r.Context())),
			zap.Int64("bytes", n),
			zap.Error(err),
		)
	}
}

func (srv *Server) writeOutcomeError(w http.ResponseWriter, r *http.Request, err error) {
	status, msg := httpStatusFor(err)
	fields := []zap.Field{
		zap.String("request_id", requestIDFrom(r.Context())),
		zap.String("path", r.URL.Path),
		zap.Int("status", status),
		zap.Error(err),
	}
	if status >= http.StatusInternalServerError {
		srv.log.Error("request failed", fields...)
	} else {
		srv.log.Info("request failed", fields...)
	}
	writeError(w, status, msg)
}
