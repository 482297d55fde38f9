package client

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"nhooyr.io/websocket"

	"github.com/driftwire/presence/codec"
	"github.com/driftwire/presence/connectionmanager"
	"github.com/driftwire/presence/eventsource"
	"github.com/driftwire/presence/hostsignals"
	"github.com/driftwire/presence/protocolerr"
	"github.com/driftwire/presence/transport"
	"github.com/driftwire/presence/transport/stream"
)

// Option bounds, per the documented configuration contract: values
// outside these fail Options.validate synchronously, before any
// connection attempt.
const (
	minThrottle = 16 * time.Millisecond
	maxThrottle = 1000 * time.Millisecond
	defThrottle = 100 * time.Millisecond

	minLostConnectionTimeout = 200 * time.Millisecond
	maxLostConnectionTimeout = 30000 * time.Millisecond
	defLostConnectionTimeout = 5000 * time.Millisecond

	minBackgroundKeepAliveTimeout = 15000 * time.Millisecond
)

// Options configures a Client. URL, UID, and Authenticate are required;
// PublicKey is passed to the default dialer as given and is not checked.
// The rest fall back to documented defaults.
type Options struct {
	URL       string
	PublicKey string
	UID       string

	// Throttle must lie in [16,1000]ms, default 100ms. It is only
	// validated: queued sends are flushed as soon as the connection is up,
	// with no rate limit applied.
	Throttle time.Duration
	// LostConnectionTimeout bounds how long a disconnect is tolerated
	// before onConnectionLost fires; [200,30000]ms, default 5000ms.
	LostConnectionTimeout time.Duration
	// BackgroundKeepAliveTimeout, if set, must be >= 15000ms. It is only
	// validated; nothing in the client or connection manager reads it.
	BackgroundKeepAliveTimeout time.Duration
	// AutoConnect starts the connection manager immediately on
	// construction. Defaults to true.
	AutoConnect *bool

	// Authenticate returns a fresh credential for the connection
	// manager's auth step. Required.
	Authenticate func(ctx context.Context) (string, error)
	// AllowIdleWhileHidden reports whether a missed heartbeat should be
	// tolerated rather than treated as connection loss. Defaults to
	// "never".
	AllowIdleWhileHidden func() bool
	// HostSignals supplies online/offline/visibility events. Defaults to
	// hostsignals.Static{}, which never fires.
	HostSignals hostsignals.Source
	// Dial overrides transport construction entirely, for tests and for
	// non-WebSocket deployments. Defaults to dialing a Stream transport
	// at URL with the publickey/id query parameters.
	Dial func(ctx context.Context) (transport.Session, error)

	Logger *slog.Logger
}

func (o *Options) validate() error {
	if o.URL == "" {
		return errors.New("client: URL is required")
	}
	if o.UID == "" {
		return errors.New("client: UID is required")
	}
	if o.Authenticate == nil {
		return errors.New("client: Authenticate is required")
	}

	if o.Throttle == 0 {
		o.Throttle = defThrottle
	} else if o.Throttle < minThrottle || o.Throttle > maxThrottle {
		return fmt.Errorf("client: Throttle must be in [%s,%s], got %s", minThrottle, maxThrottle, o.Throttle)
	}

	if o.LostConnectionTimeout == 0 {
		o.LostConnectionTimeout = defLostConnectionTimeout
	} else if o.LostConnectionTimeout < minLostConnectionTimeout || o.LostConnectionTimeout > maxLostConnectionTimeout {
		return fmt.Errorf("client: LostConnectionTimeout must be in [%s,%s], got %s",
			minLostConnectionTimeout, maxLostConnectionTimeout, o.LostConnectionTimeout)
	}

	if o.BackgroundKeepAliveTimeout != 0 && o.BackgroundKeepAliveTimeout < minBackgroundKeepAliveTimeout {
		return fmt.Errorf("client: BackgroundKeepAliveTimeout must be >= %s, got %s",
			minBackgroundKeepAliveTimeout, o.BackgroundKeepAliveTimeout)
	}

	if o.AllowIdleWhileHidden == nil {
		o.AllowIdleWhileHidden = func() bool { return false }
	}
	if o.HostSignals == nil {
		o.HostSignals = hostsignals.Static{}
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return nil
}

func (o *Options) autoConnect() bool {
	return o.AutoConnect == nil || *o.AutoConnect
}

// defaultDialer dials a Stream transport at url, with the public key
// and uid carried as query parameters, per the documented URL contract.
func defaultDialer(rawURL, publicKey, uid string) func(context.Context) (transport.Session, error) {
	return func(ctx context.Context) (transport.Session, error) {
		u, err := url.Parse(rawURL)
		if err != nil {
			return nil, fmt.Errorf("client: invalid URL: %w", err)
		}
		q := u.Query()
		q.Set("publickey", publicKey)
		q.Set("id", uid)
		u.RawQuery = q.Encode()

		conn, _, err := websocket.Dial(ctx, u.String(), nil)
		if err != nil {
			return nil, fmt.Errorf("client: dial failed: %w", err)
		}
		return stream.New(conn), nil
	}
}

// Client multiplexes named channels over a single connection managed by
// a connectionmanager.Manager. It owns frame encoding/decoding and the
// join/leave lease protocol; callers never see the transport, the FSM,
// or the wire format.
type Client struct {
	opts Options

	manager  *connectionmanager.Manager
	registry *registry
	queue    *sendQueue

	uid string

	onProtocolError      *eventsource.Source[protocolerr.ProtocolError]
	statusDidChange      *eventsource.Source[connectionmanager.Status]
	onConnectionLost     *eventsource.Source[struct{}]
	onConnectionRestored *eventsource.Source[struct{}]

	lostTimerMu sync.Mutex
	lostTimer   *time.Timer
	lostFired   bool

	logger *slog.Logger
}

// NewClient validates opts, constructs the connection manager, and —
// unless AutoConnect is explicitly false — starts connecting
// immediately.
func NewClient(opts Options) (*Client, error) {
	if err := opts.validate(); err != nil {
		return nil, err
	}

	dial := opts.Dial
	if dial == nil {
		dial = defaultDialer(opts.URL, opts.PublicKey, opts.UID)
	}

	c := &Client{
		opts:                 opts,
		uid:                  opts.UID,
		onProtocolError:      eventsource.New[protocolerr.ProtocolError](),
		statusDidChange:      eventsource.New[connectionmanager.Status](),
		onConnectionLost:     eventsource.New[struct{}](),
		onConnectionRestored: eventsource.New[struct{}](),
		logger:               opts.Logger,
	}
	c.registry = newRegistry()
	c.queue = newSendQueue(c.sendRaw)

	c.manager = connectionmanager.New(connectionmanager.Delegates{
		Authenticate:         opts.Authenticate,
		MakeTransport:        dial,
		AllowIdleWhileHidden: opts.AllowIdleWhileHidden,
	}, connectionmanager.WithHostSignals(opts.HostSignals), connectionmanager.WithLogger(opts.Logger))

	c.manager.StatusDidChange().Subscribe(c.onStatusChange)
	c.manager.OnProtocolError().Subscribe(func(e protocolerr.ProtocolError) { c.onProtocolError.Notify(e) })
	c.manager.OnMessage().Subscribe(c.onFrame)

	if opts.autoConnect() {
		c.manager.Connect()
	}

	return c, nil
}

// OnProtocolError reports application-visible terminal failures.
func (c *Client) OnProtocolError() *eventsource.Source[protocolerr.ProtocolError] {
	return c.onProtocolError
}

// StatusDidChange reports the coarse connection status.
func (c *Client) StatusDidChange() *eventsource.Source[connectionmanager.Status] {
	return c.statusDidChange
}

// OnConnectionLost fires once LostConnectionTimeout has elapsed since
// the connection dropped without having restored. Reserved: wired, but
// only promotes a disconnect to "lost" after the configured grace
// period, per the error taxonomy's "silent until threshold" rule.
func (c *Client) OnConnectionLost() *eventsource.Source[struct{}] { return c.onConnectionLost }

// OnConnectionRestored fires when connectivity returns after having
// fired OnConnectionLost.
func (c *Client) OnConnectionRestored() *eventsource.Source[struct{}] { return c.onConnectionRestored }

// CurrentStatus returns the connection manager's current coarse status.
func (c *Client) CurrentStatus() connectionmanager.Status { return c.manager.CurrentStatus() }

// Connect starts (or restarts, from @idle.failed via Reconnect) the
// connection attempt. AutoConnect: false callers use this to start
// deliberately.
func (c *Client) Connect() {
	if c.manager.CurrentStatus() == connectionmanager.StatusFailed {
		c.manager.Reconnect()
		return
	}
	c.manager.Connect()
}

// Logout forces a fresh authenticate-and-reconnect cycle. It does not
// hold or clear any credential itself — RECONNECT is a wildcard
// transition that routes unconditionally through @auth.backoff and
// @auth.busy regardless of the FSM's current authValue, so the next
// connection attempt always calls Options.Authenticate again and the
// stale value is simply overwritten on success.
func (c *Client) Logout() {
	c.manager.Reconnect()
}

// Close tears the client down permanently: stops the connection
// manager and its host-signal listeners.
func (c *Client) Close() {
	c.lostTimerMu.Lock()
	if c.lostTimer != nil {
		c.lostTimer.Stop()
	}
	c.lostTimerMu.Unlock()
	c.manager.Stop()
}

// GetChannel looks up a live channel without affecting its lease count.
func (c *Client) GetChannel(id string) (*Channel, bool) {
	return c.registry.get(id)
}

// lease is the idempotent handle Join hands back: its release method
// may be called any number of times, but only the first call has any
// effect — the counted decrement on the underlying Channel happens at
// most once per lease, satisfying "leave is idempotent per lease"
// rather than merely "the counter never goes negative".
type lease struct {
	channel  *Channel
	released atomic.Bool
	client   *Client
}

func (l *lease) release() {
	if !l.released.CompareAndSwap(false, true) {
		l.client.logger.Warn("client: leave called more than once", "channel", l.channel.ID())
		return
	}
	if l.channel.releaseLease() {
		l.client.registry.delete(l.channel.ID())
	}
}

// Join adds a lease to the channel identified by id, creating it (and
// running the join handshake's channel_join send) if it doesn't exist
// yet. The returned leave function is idempotent: calling it more than
// once logs a warning and has no further effect.
func (c *Client) Join(id string) (*Channel, func()) {
	ch, created := c.registry.getOrCreate(id, func(event string, data any) error {
		return c.broadcast(id, event, data)
	})
	if created {
		c.sendControl(id, "channel_join", "")
	}

	l := &lease{channel: ch, client: c}
	return ch, l.release
}

func (c *Client) onStatusChange(status connectionmanager.Status) {
	c.queue.setConnected(status == connectionmanager.StatusConnected)
	c.trackLostConnection(status)
	c.statusDidChange.Notify(status)
}

// trackLostConnection implements the reserved lost/restored staircase:
// a disconnect only promotes to onConnectionLost once
// LostConnectionTimeout has elapsed without reconnecting, and an
// onConnectionLost that later reconnects fires onConnectionRestored.
func (c *Client) trackLostConnection(status connectionmanager.Status) {
	c.lostTimerMu.Lock()
	defer c.lostTimerMu.Unlock()

	if status == connectionmanager.StatusConnected {
		if c.lostTimer != nil {
			c.lostTimer.Stop()
			c.lostTimer = nil
		}
		if c.lostFired {
			c.lostFired = false
			c.onConnectionRestored.Notify(struct{}{})
		}
		return
	}

	if c.lostTimer != nil {
		return
	}
	c.lostTimer = time.AfterFunc(c.opts.LostConnectionTimeout, func() {
		c.lostTimerMu.Lock()
		c.lostFired = true
		c.lostTimer = nil
		c.lostTimerMu.Unlock()
		c.onConnectionLost.Notify(struct{}{})
	})
}

func (c *Client) sendRaw(frame []byte) error {
	return c.manager.Send(frame)
}

func (c *Client) sendControl(channelID, op, peerID string) {
	m := codec.NewMap().Set("t", "control").Set("op", op).Set("c", channelID)
	if peerID != "" {
		m.Set("p", peerID)
	}
	c.enqueue(m)
}

func (c *Client) sendPeerState(channelID string, state any) {
	pl, err := codec.Marshal(state)
	if err != nil {
		c.logger.Warn("client: failed to encode peer state", "channel", channelID, "error", err)
		return
	}
	m := codec.NewMap().Set("t", "control").Set("op", "peer_state").Set("c", channelID).Set("pl", pl)
	c.enqueue(m)
}

func (c *Client) broadcast(channelID, event string, data any) error {
	payload := codec.NewMap().Set("event", event).Set("data", data)
	pl, err := codec.Marshal(payload)
	if err != nil {
		return fmt.Errorf("client: failed to encode broadcast payload: %w", err)
	}
	m := codec.NewMap().Set("t", "data").Set("c", channelID).Set("pl", pl)
	c.enqueue(m)
	return nil
}

func (c *Client) enqueue(m *codec.Map) {
	frame, err := codec.Marshal(m)
	if err != nil {
		c.logger.Warn("client: failed to encode frame", "error", err)
		return
	}
	c.queue.enqueue(frame)
}

// onFrame decodes one inbound message and dispatches it by (t, op) to
// the addressed channel, per the wire dispatch table.
func (c *Client) onFrame(raw []byte) {
	decoded, err := codec.Unmarshal(raw)
	if err != nil {
		c.logger.Warn("client: failed to decode inbound frame", "error", err)
		return
	}
	frame, ok := decoded.(*codec.Map)
	if !ok {
		c.logger.Warn("client: inbound frame was not a map")
		return
	}

	t, _ := frame.Get("t")
	channelID, _ := frame.Get("c")
	cid, _ := channelID.(string)

	ch, ok := c.registry.get(cid)
	if !ok {
		return // no local lease on this channel; nothing to dispatch to
	}

	peerID, _ := frame.Get("p")
	pid, _ := peerID.(string)

	switch t {
	case "control":
		op, _ := frame.Get("op")
		c.dispatchControl(ch, op, pid, frame)
	case "data":
		pl, _ := frame.Get("pl")
		c.dispatchData(ch, pid, pl)
	default:
		c.logger.Warn("client: unknown frame type", "t", t)
	}
}

func (c *Client) dispatchControl(ch *Channel, op any, peerID string, frame *codec.Map) {
	switch op {
	case "channel_join":
		ch.joined.Notify(struct{}{})
		c.sendControl(ch.ID(), "peer_online", "")
		c.sendPeerState(ch.ID(), ch.State())
	case "peer_online":
		if peerID == "" || peerID == c.uid {
			return
		}
		ch.peerOnline.Notify(peerID)
		c.sendPeerState(ch.ID(), ch.State())
	case "peer_offline":
		if peerID == "" || peerID == c.uid {
			return
		}
		ch.peerOffline.Notify(peerID)
	case "peer_state":
		pl, _ := frame.Get("pl")
		data, err := decodeNested(pl)
		if err != nil {
			c.logger.Warn("client: failed to decode peer_state payload", "error", err)
			return
		}
		ch.peerState.Notify(PeerState{PeerID: peerID, Data: data})
	default:
		c.logger.Warn("client: unknown control op", "op", op)
	}
}

func (c *Client) dispatchData(ch *Channel, peerID string, pl any) {
	decoded, err := decodeNested(pl)
	if err != nil {
		c.logger.Warn("client: failed to decode data payload", "error", err)
		return
	}
	m, ok := decoded.(*codec.Map)
	if !ok {
		c.logger.Warn("client: data payload was not a map")
		return
	}
	event, _ := m.Get("event")
	ev, _ := event.(string)
	data, _ := m.Get("data")
	ch.data.Notify(DataEvent{PeerID: peerID, Event: ev, Data: data})
}

// decodeNested unwraps a pl field: the server sends it as a nested
// encoded byte string, so a second Unmarshal pass recovers the value.
func decodeNested(pl any) (any, error) {
	b, ok := pl.([]byte)
	if !ok {
		return nil, fmt.Errorf("client: pl was not bytes (%T)", pl)
	}
	return codec.Unmarshal(b)
}
