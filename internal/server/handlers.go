// Package server exposes a bridge.Source over HTTP.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"tilebridge/internal/bridge"
)

// Source what the handlers need from a bridge.Source
type Source interface {
	Tile(ctx context.Context, z, x, y int) (*bridge.TileResult, error)
	Info(ctx context.Context) (bridge.Info, error)
	IndexableDocs(ctx context.Context, cur bridge.Cursor) ([]bridge.Document, bridge.Cursor, error)
	Loaded() bool
}

// SolidHeader carries the fingerprint of a solid tile.
const SolidHeader = "X-Tile-Solid"

type Handlers struct {
	src Source
	log logrus.FieldLogger
}

func New(src Source, log logrus.FieldLogger) *Handlers {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	return &Handlers{src: src, log: log}
}

// Routes builds the mux wrapped in request logging.
func (h *Handlers) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/info", h.HandleInfo)
	mux.HandleFunc("/index", h.HandleIndex)
	mux.HandleFunc("/healthz", h.HandleHealthz)
	mux.HandleFunc("/", h.HandleTile)
	return h.RequestLoggingMiddleware(mux)
}

func (h *Handlers) RequestLoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := uuid.New().String()
		start := time.Now()

		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		wrapped.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(wrapped, r)

		h.log.WithFields(logrus.Fields{
			"request_id":  requestID,
			"ip":          extractIP(r),
			"method":      r.Method,
			"path":        r.URL.Path,
			"status":      wrapped.statusCode,
			"bytes":       wrapped.bytesWritten,
			"duration_ms": time.Since(start).Milliseconds(),
		}).Info("request")
	})
}

func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !h.src.Loaded() {
		http.Error(w, "no style loaded", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (h *Handlers) HandleInfo(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	info, err := h.src.Info(r.Context())
	if err != nil {
		h.fail(w, "info", err)
		return
	}
	writeJSON(w, info)
}

type indexResponse struct {
	Docs []bridge.Document `json:"docs"`
	Next cursorJSON        `json:"next"`
}

type cursorJSON struct {
	Offset int `json:"offset"`
	Limit  int `json:"limit"`
}

func (h *Handlers) HandleIndex(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var cur bridge.Cursor
	q := r.URL.Query()
	for name, dst := range map[string]*int{"offset": &cur.Offset, "limit": &cur.Limit} {
		v := q.Get(name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			http.Error(w, fmt.Sprintf("Invalid %s", name), http.StatusBadRequest)
			return
		}
		*dst = n
	}

	docs, next, err := h.src.IndexableDocs(r.Context(), cur)
	if err != nil {
		h.fail(w, "index", err)
		return
	}
	writeJSON(w, indexResponse{Docs: docs, Next: cursorJSON{Offset: next.Offset, Limit: next.Limit}})
}

// HandleTile serves /{z}/{x}/{y}.pbf
func (h *Handlers) HandleTile(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodHead {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 {
		http.NotFound(w, r)
		return
	}
	ext := filepath.Ext(parts[2])
	if ext != ".pbf" && ext != ".mvt" {
		http.Error(w, "Invalid format", http.StatusBadRequest)
		return
	}
	z, errZ := strconv.Atoi(parts[0])
	x, errX := strconv.Atoi(parts[1])
	y, errY := strconv.Atoi(strings.TrimSuffix(parts[2], ext))
	if errZ != nil || errX != nil || errY != nil {
		http.Error(w, "Invalid tile coordinate", http.StatusBadRequest)
		return
	}

	result, err := h.src.Tile(r.Context(), z, x, y)
	if err != nil {
		h.fail(w, "tile", err)
		return
	}

	for k, vs := range result.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if result.Solid != "" {
		w.Header().Set(SolidHeader, result.Solid)
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(result.Data)))

	// HEAD request doesn't send body
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Write(result.Data)
}

// fail maps bridge errors onto status codes.
func (h *Handlers) fail(w http.ResponseWriter, op string, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, bridge.ErrInvalidTile):
		status = http.StatusBadRequest
	case errors.Is(err, bridge.ErrNotLoaded):
		status = http.StatusServiceUnavailable
	case errors.Is(err, bridge.ErrNoMaxZoom), errors.Is(err, bridge.ErrNoLayer), errors.Is(err, bridge.ErrUnknownSRS):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusServiceUnavailable
	}
	if status == http.StatusInternalServerError {
		h.log.WithError(err).Errorf("%s failed", op)
	}
	http.Error(w, err.Error(), status)
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func extractIP(r *http.Request) string {
	ip := r.Header.Get("X-Real-Ip")
	if ip != "" {
		return strings.Split(ip, ":")[0]
	}
	if r.RemoteAddr != "" {
		return strings.Split(r.RemoteAddr, ":")[0]
	}
	return "unknown"
}

type responseWriter struct {
	http.ResponseWriter
	statusCode   int
	bytesWritten int64
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	rw.bytesWritten += int64(n)
	return n, err
}
