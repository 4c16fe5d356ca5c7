// Package relaystub owns the narrow slice of pub/sub wire handling the
// archive needs to get bytes off a socket and into the ingest coordinator:
// decoding inbound EVENT frames and dialing configured upstream relays.
// It deliberately stops there — subscription bookkeeping, filters, and
// signature verification belong to a full relay client, not an archiver.
package relaystub

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/gorilla/websocket"

	"nostr-archiver/internal/event"
	"nostr-archiver/internal/ingest"
	"nostr-archiver/internal/logging"
)

// Sink is the collaborator that persists a decoded event.
type Sink interface {
	Save(ev event.Event, peerAddr string) (outcome ingest.Outcome, reason string, err error)
}

// EmbeddedRelay accepts a hijacked, already-upgraded connection and feeds
// any events it receives into a Sink until the connection closes.
type EmbeddedRelay interface {
	TakeConnection(ctx context.Context, conn net.Conn, peerAddr string) error
}

// UpstreamClient maintains outbound subscriptions to configured relays and
// feeds received events into a Sink.
type UpstreamClient interface {
	Run(ctx context.Context, sink Sink) error
}

// rawEvent is the subset of a pub/sub event object this archive needs to
// extract: enough to build an event.Event without parsing the rest of the
// protocol envelope around it.
type rawEvent struct {
	ID        string `json:"id"`
	CreatedAt int64  `json:"created_at"`
	Kind      int64  `json:"kind"`
}

// decodeFrame extracts the trailing event object out of a relay message.
// Both shapes in use by the protocol are arrays whose last element is the
// event object: `["EVENT", <event>]` (peer push) and
// `["EVENT", <subscription id>, <event>]` (subscription delivery). Any
// other message type (REQ, CLOSE, EOSE, NOTICE, AUTH, ...) is silently
// ignored; this archive only ever wants EVENT payloads.
func decodeFrame(payload []byte) (event.Event, bool, error) {
	var frame []json.RawMessage
	if err := json.Unmarshal(payload, &frame); err != nil {
		return event.Event{}, false, fmt.Errorf("relaystub: decode frame: %w", err)
	}
	if len(frame) < 2 {
		return event.Event{}, false, nil
	}
	var label string
	if err := json.Unmarshal(frame[0], &label); err != nil || label != "EVENT" {
		return event.Event{}, false, nil
	}

	body := frame[len(frame)-1]
	var re rawEvent
	if err := json.Unmarshal(body, &re); err != nil {
		return event.Event{}, false, fmt.Errorf("relaystub: decode event object: %w", err)
	}
	id, err := event.ParseID(re.ID)
	if err != nil {
		return event.Event{}, false, err
	}

	var compacted bytes.Buffer
	if err := json.Compact(&compacted, body); err != nil {
		return event.Event{}, false, fmt.Errorf("relaystub: compact event object: %w", err)
	}
	ev := event.Event{ID: id, CreatedAt: re.CreatedAt, Kind: re.Kind, JSON: compacted.String()}
	if err := ev.Validate(); err != nil {
		return event.Event{}, false, err
	}
	return ev, true, nil
}

// Option configures a StubRelay.
type Option func(*StubRelay)

// WithSink sets the collaborator events are saved through.
func WithSink(sink Sink) Option {
	return func(r *StubRelay) { r.sink = sink }
}

// WithLogger overrides the relay's logger.
func WithLogger(log *logging.Logger) Option {
	return func(r *StubRelay) { r.log = log }
}

// StubRelay is the embedded relay side of the archive: it owns an
// already-upgraded connection and decodes inbound EVENT frames off it.
type StubRelay struct {
	sink Sink
	log  *logging.Logger
}

// NewStubRelay builds a StubRelay from the given options.
func NewStubRelay(opts ...Option) *StubRelay {
	r := &StubRelay{log: logging.L()}
	for _, opt := range opts {
		opt(r)
	}
	r.log = r.log.Named("relaystub")
	return r
}

// TakeConnection implements EmbeddedRelay. The HTTP upgrade handshake has
// already completed on conn by the time it reaches here; gorilla/websocket's
// NewConn frames the remaining byte stream without repeating the handshake.
func (r *StubRelay) TakeConnection(ctx context.Context, conn net.Conn, peerAddr string) error {
	defer conn.Close()
	wsConn := websocket.NewConn(conn, true, 4096, 4096)
	defer wsConn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			wsConn.Close()
		case <-done:
		}
	}()
	defer close(done)

	for {
		msgType, payload, err := wsConn.ReadMessage()
		if err != nil {
			return nil
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		r.handleFrame(payload, peerAddr)
	}
}

func (r *StubRelay) handleFrame(payload []byte, peerAddr string) {
	ev, ok, err := decodeFrame(payload)
	if err != nil {
		r.log.Debug("dropping malformed frame", logging.Error(err), logging.String("peer", peerAddr))
		return
	}
	if !ok || r.sink == nil {
		return
	}
	outcome, reason, err := r.sink.Save(ev, peerAddr)
	if err != nil {
		r.log.Warn("save failed", logging.Error(err), logging.String("peer", peerAddr))
		return
	}
	r.log.Debug("frame processed", logging.String("outcome", outcome.String()), logging.String("reason", reason), logging.String("peer", peerAddr))
}

// DialFunc opens a client websocket connection to a relay URL. Exposed for
// substitution in tests.
type DialFunc func(ctx context.Context, url string) (*websocket.Conn, error)

// dial is the default DialFunc, using gorilla's dialer.
func dial(ctx context.Context, rawURL string) (*websocket.Conn, error) {
	if _, err := url.Parse(rawURL); err != nil {
		return nil, fmt.Errorf("relaystub: invalid relay url %q: %w", rawURL, err)
	}
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("relaystub: dial %s: %w", rawURL, err)
	}
	return conn, nil
}

// subscribeFrame is the minimal REQ envelope needed to ask an upstream
// relay to start pushing every event it has: `["REQ", <subscription id>, {}]`
// with an empty filter object, meaning "no constraints".
func subscribeFrame(subID string) []byte {
	frame := []interface{}{"REQ", subID, map[string]interface{}{}}
	b, _ := json.Marshal(frame)
	return b
}

// Upstream subscribes to a fixed set of relay URLs and funnels decoded
// events into a Sink. Each relay runs its own reconnect-on-error loop so
// that one relay's outage does not interrupt the others.
type Upstream struct {
	urls    []string
	dial    DialFunc
	log     *logging.Logger
	backoff time.Duration
}

// UpstreamOption configures an Upstream.
type UpstreamOption func(*Upstream)

// WithDialFunc overrides how outbound connections are established.
func WithDialFunc(fn DialFunc) UpstreamOption {
	return func(u *Upstream) { u.dial = fn }
}

// WithUpstreamLogger overrides the upstream client's logger.
func WithUpstreamLogger(log *logging.Logger) UpstreamOption {
	return func(u *Upstream) { u.log = log }
}

// WithReconnectBackoff overrides the delay between reconnect attempts.
func WithReconnectBackoff(d time.Duration) UpstreamOption {
	return func(u *Upstream) { u.backoff = d }
}

// NewUpstream builds an Upstream client for the given relay URLs.
func NewUpstream(urls []string, opts ...UpstreamOption) *Upstream {
	u := &Upstream{urls: urls, dial: dial, log: logging.L(), backoff: 5 * time.Second}
	for _, opt := range opts {
		opt(u)
	}
	u.log = u.log.Named("upstream")
	return u
}

// Run implements UpstreamClient. It blocks until ctx is canceled,
// maintaining one reconnecting subscription goroutine per configured URL.
func (u *Upstream) Run(ctx context.Context, sink Sink) error {
	if len(u.urls) == 0 {
		<-ctx.Done()
		return nil
	}
	done := make(chan struct{}, len(u.urls))
	for _, relayURL := range u.urls {
		go func(relayURL string) {
			u.runOne(ctx, relayURL, sink)
			done <- struct{}{}
		}(relayURL)
	}
	<-ctx.Done()
	for range u.urls {
		<-done
	}
	return nil
}

func (u *Upstream) runOne(ctx context.Context, relayURL string, sink Sink) {
	for {
		if ctx.Err() != nil {
			return
		}
		if err := u.subscribeOnce(ctx, relayURL, sink); err != nil {
			u.log.Warn("upstream relay connection ended", logging.Error(err), logging.String("relay", relayURL))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(u.backoff):
		}
	}
}

func (u *Upstream) subscribeOnce(ctx context.Context, relayURL string, sink Sink) error {
	conn, err := u.dial(ctx, relayURL)
	if err != nil {
		return err
	}
	defer conn.Close()

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer close(done)

	if err := conn.WriteMessage(websocket.TextMessage, subscribeFrame("archive")); err != nil {
		return fmt.Errorf("relaystub: subscribe %s: %w", relayURL, err)
	}

	for {
		msgType, payload, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		if msgType != websocket.TextMessage && msgType != websocket.BinaryMessage {
			continue
		}
		ev, ok, decodeErr := decodeFrame(payload)
		if decodeErr != nil {
			u.log.Debug("dropping malformed upstream frame", logging.Error(decodeErr), logging.String("relay", relayURL))
			continue
		}
		if !ok {
			continue
		}
		if _, _, saveErr := sink.Save(ev, relayURL); saveErr != nil {
			u.log.Warn("save failed", logging.Error(saveErr), logging.String("relay", relayURL))
		}
	}
}
