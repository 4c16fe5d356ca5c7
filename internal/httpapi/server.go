// Package httpapi implements the single-port HTTP multiplexer: protocol
// upgrade handshakes, archive downloads, the directory listing page,
// metrics, and the peer sync export.
package httpapi

import (
	"context"
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"nostr-archiver/internal/archive"
	"nostr-archiver/internal/index"
	"nostr-archiver/internal/logging"
	"nostr-archiver/internal/metrics"
	"nostr-archiver/internal/peersync"
)

// websocketGUID is the RFC 6455 magic string used to derive the
// Sec-WebSocket-Accept header from the client's Sec-WebSocket-Key.
const websocketGUID = "258EAFA5-E914-47DA-95CA-C5AB0DC85B11"

// ConnectionTaker accepts a hijacked connection once the upgrade handshake
// has completed, and owns everything that happens on it afterward.
type ConnectionTaker interface {
	TakeConnection(ctx context.Context, conn net.Conn, peerAddr string) error
}

// Options configures a Server.
type Options struct {
	OutDir   string
	Index    *index.Index
	Relay    ConnectionTaker
	Registry *metrics.Registry
	// Gatherer is the prometheus.Gatherer the Registry's collectors were
	// registered against. /metrics is mounted only when both this and
	// Registry are set; promhttp.Handler()'s global default registry would
	// never see collectors registered on a dedicated registry.
	Gatherer    prometheus.Gatherer
	AdminToken  string
	Logger      *logging.Logger
	RateLimiter peersync.RateLimiter
	Now         func() time.Time
}

// Server is the combined protocol-upgrade and archive-download HTTP
// multiplexer.
type Server struct {
	outDir   string
	index    *index.Index
	relay    ConnectionTaker
	metrics  *metrics.Registry
	log      *logging.Logger
	now      func() time.Time
	mux      *http.ServeMux
	peerSync *peersync.Handler
}

// New builds a Server and registers every route on its internal mux.
func New(opts Options) *Server {
	log := opts.Logger
	if log == nil {
		log = logging.L()
	}
	log = log.Named("httpapi")
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	s := &Server{
		outDir:  opts.OutDir,
		index:   opts.Index,
		relay:   opts.Relay,
		metrics: opts.Registry,
		log:     log,
		now:     now,
	}
	if opts.Index != nil {
		s.peerSync = peersync.NewHandler(opts.Index, opts.AdminToken, opts.RateLimiter, log)
	}

	s.mux = http.NewServeMux()
	if opts.Registry != nil && opts.Gatherer != nil {
		s.mux.Handle("/metrics", promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{}))
	}
	if s.peerSync != nil {
		s.mux.Handle("/peers/ids", s.peerSync)
	}
	s.mux.HandleFunc("/", s.handleRoot)
	return s
}

// ServeHTTP implements http.Handler. Every request is classified as either
// a protocol upgrade (hijacked straight to the relay) or an ordinary HTTP
// request (archive download, directory listing) before reaching the mux.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if isUpgradeRequest(r) {
		s.handleUpgrade(w, r)
		return
	}
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
	s.mux.ServeHTTP(rec, r)
	if s.metrics != nil {
		s.metrics.HTTPResponses.WithLabelValues(statusClass(rec.status)).Inc()
	}
}

// statusRecorder captures the status code written through it so ServeHTTP
// can label the HTTPResponses counter after the handler returns.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func statusClass(status int) string {
	switch {
	case status >= 500:
		return "5xx"
	case status >= 400:
		return "4xx"
	case status >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

func isUpgradeRequest(r *http.Request) bool {
	return headerContainsToken(r.Header.Get("Connection"), "upgrade") &&
		strings.EqualFold(strings.TrimSpace(r.Header.Get("Upgrade")), "websocket")
}

func headerContainsToken(header, token string) bool {
	for _, part := range strings.Split(header, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// handleUpgrade computes the Sec-WebSocket-Accept key per RFC 6455,
// completes the 101 handshake, hijacks the connection, and hands it to the
// embedded relay in a detached goroutine.
func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	clientKey := strings.TrimSpace(r.Header.Get("Sec-WebSocket-Key"))
	if clientKey == "" {
		http.Error(w, "missing Sec-WebSocket-Key", http.StatusBadRequest)
		return
	}
	if s.relay == nil {
		http.Error(w, "relay unavailable", http.StatusServiceUnavailable)
		return
	}

	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "connection does not support hijacking", http.StatusInternalServerError)
		return
	}

	acceptKey := deriveAcceptKey(clientKey)
	conn, buf, err := hijacker.Hijack()
	if err != nil {
		s.log.Error("websocket hijack failed", logging.Error(err))
		return
	}
	if buf.Reader.Buffered() > 0 {
		// A client should not pipeline data ahead of the 101 response; drop
		// the hijacked connection rather than silently discard buffered bytes.
		conn.Close()
		return
	}

	response := "HTTP/1.1 101 Switching Protocols\r\n" +
		"Upgrade: websocket\r\n" +
		"Connection: Upgrade\r\n" +
		"Sec-WebSocket-Accept: " + acceptKey + "\r\n" +
		"Server: nostr-relay-builder\r\n\r\n"
	if _, err := buf.WriteString(response); err != nil || buf.Flush() != nil {
		conn.Close()
		return
	}

	peerAddr := r.RemoteAddr
	go func() {
		if err := s.relay.TakeConnection(context.Background(), conn, peerAddr); err != nil {
			s.log.Warn("relay connection ended", logging.Error(err), logging.String("peer", peerAddr))
		}
	}()
}

// deriveAcceptKey implements RFC 6455's accept-key derivation:
// base64(sha1(key + GUID)).
func deriveAcceptKey(clientKey string) string {
	h := sha1.New()
	h.Write([]byte(clientKey))
	h.Write([]byte(websocketGUID))
	return base64.StdEncoding.EncodeToString(h.Sum(nil))
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Server", "nostr-relay-builder")

	if r.URL.Path == "/" || r.URL.Path == "/index.html" {
		s.handleIndex(w, r)
		return
	}
	s.handleDownload(w, r)
}

func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	path, info, err := archive.Get(s.outDir, r.URL.Path)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.Header().Set("Content-Length", fmt.Sprintf("%d", info.Size()))
	http.ServeFile(w, r, path)
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	var totalEvents int64
	if s.index != nil {
		if n, err := s.index.Len(); err == nil {
			totalEvents = n
		}
	}
	listing, err := archive.BuildListing(s.outDir, totalEvents)
	if err != nil {
		http.Error(w, "failed to build archive listing", http.StatusInternalServerError)
		return
	}

	var links strings.Builder
	for _, f := range listing.Files {
		fmt.Fprintf(&links, "<li><a href=\"/%s\">%s</a> (%s)</li>\n", f.Path, f.Path, archive.FormatMiB(f.Size))
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprintf(w, "<!doctype html><html><head><title>nostr-archiver</title></head><body>\n")
	fmt.Fprintf(w, "<h1>Archive</h1>\n<p>%s events, %s total</p>\n<ul>\n%s</ul>\n</body></html>\n",
		archive.FormatCount(listing.TotalEvents), archive.FormatGiB(listing.TotalBytes), links.String())
}
