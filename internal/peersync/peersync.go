// Package peersync implements the additive dedup-index export surface
// gated behind the admin token: GET /peers/ids streams every recorded id
// and its timestamp as newline-delimited JSON.
package peersync

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strings"

	"nostr-archiver/internal/index"
	"nostr-archiver/internal/logging"
)

// RateLimiter gates how frequently the export may be invoked, per caller
// key (the requesting peer's remote address).
type RateLimiter interface {
	Allow(key string) bool
}

// Handler builds the /peers/ids HTTP handler.
type Handler struct {
	index       *index.Index
	adminToken  string
	rateLimiter RateLimiter
	log         *logging.Logger
}

// NewHandler constructs a peersync Handler. A nil rateLimiter disables
// rate limiting; a nil logger falls back to the global logger.
func NewHandler(idx *index.Index, adminToken string, rateLimiter RateLimiter, log *logging.Logger) *Handler {
	if log == nil {
		log = logging.L()
	}
	return &Handler{index: idx, adminToken: strings.TrimSpace(adminToken), rateLimiter: rateLimiter, log: log.Named("peersync")}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	reqLog := h.log.With(logging.String("remote_addr", r.RemoteAddr))

	if h.adminToken == "" {
		reqLog.Warn("peer sync denied: admin auth disabled")
		http.Error(w, "admin authentication not configured", http.StatusForbidden)
		return
	}
	if !h.authorise(r) {
		reqLog.Warn("peer sync denied: unauthorized request")
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if h.rateLimiter != nil && !h.rateLimiter.Allow(r.RemoteAddr) {
		reqLog.Warn("peer sync denied: rate limit exceeded")
		http.Error(w, "too many requests", http.StatusTooManyRequests)
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	enc := json.NewEncoder(w)
	record := struct {
		ID        string `json:"id"`
		CreatedAt int64  `json:"created_at"`
	}{}
	err := h.index.Scan(func(e index.Entry) error {
		record.ID = e.ID.String()
		record.CreatedAt = e.CreatedAt
		return enc.Encode(record)
	})
	if err != nil {
		reqLog.Error("peer sync scan failed", logging.Error(err))
	}
}

func (h *Handler) authorise(r *http.Request) bool {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	var token string
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		token = strings.TrimSpace(header[7:])
	} else if header != "" {
		token = header
	}
	if token == "" {
		token = strings.TrimSpace(r.Header.Get("X-Admin-Token"))
	}
	if token == "" {
		token = strings.TrimSpace(r.URL.Query().Get("token"))
	}
	if token == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(h.adminToken)) == 1
}
