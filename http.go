// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package funcserver

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// ServeHTTP handles POST /rpc and POST /rpc/{format}. The format may also be
// given as ?format=; unknown names fall back to the default.
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	body := io.Reader(r.Body)
	if e.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, e.maxBody)
	}
	raw, err := io.ReadAll(body)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	resp, err := e.Dispatch(r.Context(), requestFormat(r), raw)
	switch {
	case errors.Is(err, ErrMalformedPayload):
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	case err != nil:
		// client went away while the call was running
		e.log.Debug().Err(err).Msg("rpc response abandoned")
		return
	}

	w.Header().Set("Content-Type", resp.Codec.MIME())
	w.Header().Set("Content-Length", strconv.Itoa(len(resp.Body)))
	w.WriteHeader(http.StatusOK)
	if err := writeChunks(w, resp.Body, e.chunkSize); err != nil {
		e.log.Debug().Err(err).Msg("rpc response write failed")
	}
}

func requestFormat(r *http.Request) string {
	if f := r.PathValue("format"); f != "" {
		return f
	}
	if f := r.URL.Query().Get("format"); f != "" {
		return f
	}
	if strings.Count(r.URL.Path, "/") >= 2 {
		return path.Base(r.URL.Path)
	}
	return ""
}

// writeChunks writes body in pieces of at most size bytes, flushing after each.
func writeChunks(w io.Writer, body []byte, size int) error {
	flusher, _ := w.(http.Flusher)
	for len(body) > 0 {
		n := min(size, len(body))
		if _, err := w.Write(body[:n]); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		body = body[n:]
	}
	return nil
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func (s *statusRecorder) Write(b []byte) (int, error) {
	if s.status == 0 {
		s.status = http.StatusOK
	}
	n, err := s.ResponseWriter.Write(b)
	s.bytes += n
	return n, err
}

func (s *statusRecorder) Flush() {
	if f, ok := s.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := s.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("%T does not support hijacking", s.ResponseWriter)
	}
	s.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

// Unwrap lets http.ResponseController reach the underlying writer (websocket
// hijacking goes through it).
func (s *statusRecorder) Unwrap() http.ResponseWriter {
	return s.ResponseWriter
}

// RequestLogger logs one line per HTTP request and counts it in stats.
func RequestLogger(log zerolog.Logger, stats *Stats, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		if rec.status == 0 {
			rec.status = http.StatusOK
		}
		event := log.Debug()
		if rec.status >= 500 {
			event = log.Error()
		} else if rec.status >= 400 {
			event = log.Warn()
		}
		event.
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Str("client_ip", r.RemoteAddr).
			Int("bytes", rec.bytes).
			Msg("http_request")
		if stats != nil {
			stats.Incr("http.requests", 1)
		}
	})
}
