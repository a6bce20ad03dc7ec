package app

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"trailhead/api/internal/store"
	"trailhead/api/internal/util"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	metrics    http.Handler
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		metrics:    promhttp.Handler(),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/metrics" {
		s.metrics.ServeHTTP(w, r)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
			"redis":    map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{"status": "error", "error": err.Error()}
		}
		if err := s.service.PingCache(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{"status": "error", "error": err.Error()}
		}
		// The search index is a projection; its outage degrades reads
		// but must not take the worker out of rotation.
		if healthy, enabled := s.service.SearchHealthy(); enabled {
			if healthy {
				checks["meilisearch"] = map[string]any{"status": "ok"}
			} else {
				checks["meilisearch"] = map[string]any{"status": "degraded"}
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// GET /api/intents/{request_id}/status
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/intents/") && strings.HasSuffix(r.URL.Path, "/status") {
		requestID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/intents/"), "/status")
		if requestID == "" || strings.Contains(requestID, "/") {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid request id", nil)
			return
		}
		status, ok, err := s.service.IntentStatus(r.Context(), requestID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "Status lookup failed", nil)
			return
		}
		if !ok {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "No status for request id", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"status":     status.Status,
			"reconciled": status.Reconciled,
			"error":      status.Error,
		})
		return
	}

	// GET /api/items/{item_id}/counters
	if r.Method == http.MethodGet && strings.HasPrefix(r.URL.Path, "/api/items/") && strings.HasSuffix(r.URL.Path, "/counters") {
		itemID := strings.TrimSuffix(strings.TrimPrefix(r.URL.Path, "/api/items/"), "/counters")
		if itemID == "" || strings.Contains(itemID, "/") {
			writeError(w, http.StatusBadRequest, "BAD_REQUEST", "Invalid item id", nil)
			return
		}
		counts, err := s.service.ItemCounters(r.Context(), itemID)
		if errors.Is(err, store.ErrItemNotFound) {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Item not found", nil)
			return
		}
		if err != nil {
			writeError(w, http.StatusInternalServerError, "INTERNAL", "Counter lookup failed", nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"positive_count":  counts.Positive,
			"negative_count":  counts.Negative,
			"followers_count": counts.Followers,
			"trail_score":     counts.TrailScore(),
		})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	return util.NewID("req")
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}
