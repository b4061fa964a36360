// Package session owns the TCP connection, the optional v3.4/v3.5 handshake,
// heartbeat liveness, and request/response correlation for a single device.
package session

import (
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jellydator/ttlcache/v3"
	"golang.org/x/time/rate"

	"github.com/tuyago/localtuya/internal/logger"
	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/codec"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// State is the session's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// Hooks are the event notifications a caller can subscribe to. Device wires
// these to its event bus; Session itself carries no broadcast dependency.
type Hooks struct {
	OnConnected    func()
	OnDisconnected func()
	OnHeartbeat    func()
	OnData         func(payload interface{}, cmd protocol.Command, seq uint32)
	OnDPRefresh    func(payload interface{}, cmd protocol.Command, seq uint32)
	OnError        func(err error)
}

func (h Hooks) fire(fn func()) {
	if fn != nil {
		fn()
	}
}

// Config configures a Session.
type Config struct {
	IP       string
	Port     int
	Version  protocol.Version
	LocalKey []byte

	ConnectTimeout    time.Duration
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration
	// ResponseTimeout is the raw "response_timeout" value, applied as
	// response_timeout*2500ms (the 2.5s-per-unit quirk is preserved
	// verbatim, not "fixed").
	ResponseTimeout float64

	IssueGetOnConnect     bool
	IssueRefreshOnConnect bool
	IssueRefreshOnPing    bool

	Hooks Hooks
	Log   *logger.Logger
}

func (c *Config) applyDefaults() {
	if c.Port == 0 {
		c.Port = 6668
	}
	if c.Version == "" {
		c.Version = protocol.V31
	}
	if c.ConnectTimeout == 0 {
		c.ConnectTimeout = 5 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.PongTimeout == 0 {
		c.PongTimeout = 2 * time.Second
	}
	if c.ResponseTimeout == 0 {
		c.ResponseTimeout = 2
	}
}

func (c *Config) responseTimeout() time.Duration {
	return time.Duration(c.ResponseTimeout*2500) * time.Millisecond
}

type pendingResult struct {
	value interface{}
	err   error
}

type pendingRequest struct {
	ch   chan pendingResult
	kind tuyaerr.Kind
}

func newPendingRequest(kind tuyaerr.Kind) *pendingRequest {
	return &pendingRequest{ch: make(chan pendingResult, 1), kind: kind}
}

func (p *pendingRequest) resolve(value interface{}) {
	select {
	case p.ch <- pendingResult{value: value}:
	default:
	}
}

func (p *pendingRequest) fail(err error) {
	select {
	case p.ch <- pendingResult{err: err}:
	default:
	}
}

// connState scopes a stop signal to a single TCP connection's lifetime.
// Session.Connect replaces it on every reconnect, so a goroutine started for
// one connection never selects on a channel a prior connection's teardown
// already closed.
type connState struct {
	stopCh chan struct{}
	once   sync.Once
}

func newConnState() *connState {
	return &connState{stopCh: make(chan struct{})}
}

// Session owns one device's TCP connection.
type Session struct {
	cfg    Config
	cipher *cipher.Cipher
	codec  *codec.Codec
	log    *logger.Logger
	corrID string

	state   atomic.Int32
	seq     atomic.Uint32
	limiter *rate.Limiter

	connMu   sync.Mutex
	conn     net.Conn
	cn       *connState
	connectF *connectFuture

	pending     *ttlcache.Cache[uint32, *pendingRequest]
	setMu       sync.Mutex
	setResolver atomic.Pointer[pendingRequest]

	lastPongAt atomic.Int64 // unix nanos

	wg sync.WaitGroup
}

// New builds a Session bound to a device's cipher.
func New(cfg Config, c *cipher.Cipher, log *logger.Logger) *Session {
	cfg.applyDefaults()
	if log == nil {
		log = logger.Get()
	}
	corrID := uuid.NewString()
	log = log.WithComponent("session").WithFields(map[string]interface{}{"conn": corrID})

	s := &Session{
		cfg:     cfg,
		cipher:  c,
		codec:   codec.New(c, cfg.Version),
		log:     log,
		corrID:  corrID,
		limiter: rate.NewLimiter(rate.Every(time.Second), 1),
		cn:      newConnState(),
	}

	s.pending = ttlcache.New(ttlcache.WithTTL[uint32, *pendingRequest](cfg.responseTimeout()))
	s.pending.OnEviction(func(_ context.Context, reason ttlcache.EvictionReason, item *ttlcache.Item[uint32, *pendingRequest]) {
		if reason != ttlcache.EvictionReasonExpired {
			return
		}
		pr := item.Value()
		pr.fail(tuyaerr.New(pr.kind, "no reply within response timeout"))
	})
	go s.pending.Start()

	return s
}

// SetTarget re-seats the socket address a not-yet-connected Session will
// dial, used when Discovery resolves a device's IP after New was called
// with an id but no address.
func (s *Session) SetTarget(ip string, port int) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	s.cfg.IP = ip
	if port != 0 {
		s.cfg.Port = port
	}
}

// currentConnState returns the connState associated with the session's
// current (or most recently active) connection.
func (s *Session) currentConnState() *connState {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	return s.cn
}

// State returns the session's current connection state.
func (s *Session) State() State { return State(s.state.Load()) }

// IsConnected reports whether the session is fully connected.
func (s *Session) IsConnected() bool { return s.State() == StateConnected }

func (s *Session) setState(v State) { s.state.Store(int32(v)) }

func (s *Session) nextSeq() uint32 { return s.seq.Add(1) }

// connectFuture lets concurrent Connect callers share one in-flight attempt.
type connectFuture struct {
	done chan struct{}
	err  error
}

func newConnectFuture() *connectFuture { return &connectFuture{done: make(chan struct{})} }

func (f *connectFuture) complete(err error) {
	f.err = err
	close(f.done)
}

func (f *connectFuture) wait(ctx context.Context) error {
	select {
	case <-f.done:
		return f.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Connect dials the device, running the handshake if the protocol version
// requires one, sharing one in-flight attempt across concurrent callers.
func (s *Session) Connect(ctx context.Context) error {
	if s.IsConnected() {
		return nil
	}

	s.connMu.Lock()
	if s.connectF != nil {
		fut := s.connectF
		s.connMu.Unlock()
		return fut.wait(ctx)
	}
	fut := newConnectFuture()
	s.connectF = fut
	s.connMu.Unlock()

	err := s.doConnect(ctx)
	fut.complete(err)

	s.connMu.Lock()
	s.connectF = nil
	s.connMu.Unlock()
	return err
}

func (s *Session) doConnect(ctx context.Context) error {
	s.setState(StateConnecting)
	s.log.Debug("connecting", "ip", s.cfg.IP, "port", s.cfg.Port)

	dialCtx, cancel := context.WithTimeout(ctx, s.cfg.ConnectTimeout)
	defer cancel()

	var d net.Dialer
	conn, err := d.DialContext(dialCtx, "tcp", fmt.Sprintf("%s:%d", s.cfg.IP, s.cfg.Port))
	if err != nil {
		s.setState(StateDisconnected)
		if dialCtx.Err() != nil {
			return tuyaerr.Wrap(tuyaerr.ConnectTimeout, "tcp connect timed out", err)
		}
		return tuyaerr.Wrap(tuyaerr.SocketError, "tcp connect failed", err)
	}

	cn := newConnState()
	s.connMu.Lock()
	s.conn = conn
	s.cn = cn
	s.connMu.Unlock()

	s.wg.Add(1)
	go s.dispatchLoop(cn)

	if s.cfg.Version.RequiresHandshake() {
		if err := s.handshake(ctx, cn); err != nil {
			s.teardown(cn, err)
			return err
		}
	}

	s.setState(StateConnected)
	s.onConnected(cn)
	return nil
}

func (s *Session) onConnected(cn *connState) {
	s.log.Info("connected")
	s.cfg.Hooks.fire(s.cfg.Hooks.OnConnected)

	s.wg.Add(1)
	go s.heartbeatLoop(cn)

	if s.cfg.IssueGetOnConnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.responseTimeout())
			defer cancel()
			if _, err := s.Get(ctx, protocol.DP_QUERY, nil); err != nil {
				s.log.Debug("issueGetOnConnect failed", "error", err)
			}
		}()
	}
	if s.cfg.IssueRefreshOnConnect {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.responseTimeout())
			defer cancel()
			if _, err := s.Refresh(ctx, nil); err != nil {
				s.log.Debug("issueRefreshOnConnect failed", "error", err)
			}
		}()
	}
}

// Disconnect is idempotent: it clears every timer and pending entry, tears
// down the socket, and clears the session key.
func (s *Session) Disconnect() {
	s.teardown(s.currentConnState(), tuyaerr.New(tuyaerr.SocketError, "disconnected"))
}

// teardown tears down the connection cn represents, exactly once. cn is the
// connState captured when that connection was established, not necessarily
// the session's current one — a stale teardown call (e.g. a read error
// noticed after a newer reconnect already replaced it) must not clobber the
// connection that replaced it.
func (s *Session) teardown(cn *connState, cause error) {
	if cn == nil {
		return
	}
	cn.once.Do(func() {
		close(cn.stopCh)

		s.connMu.Lock()
		isCurrent := s.cn == cn
		var conn net.Conn
		if isCurrent {
			conn = s.conn
			s.conn = nil
		}
		s.connMu.Unlock()
		if conn != nil {
			conn.Close()
		}

		s.cipher.ClearSessionKey()

		if pr := s.setResolver.Swap(nil); pr != nil {
			pr.fail(cause)
		}
		s.pending.DeleteAll()

		wasConnected := isCurrent && s.State() == StateConnected
		if isCurrent {
			s.setState(StateDisconnected)
		}
		if wasConnected {
			s.log.Info("disconnected")
			s.cfg.Hooks.fire(s.cfg.Hooks.OnDisconnected)
		}
	})
}

// writeFrame writes frame to the current connection, returning the
// connState it was written under so a caller can tear down exactly that
// connection on failure.
func (s *Session) writeFrame(frame []byte) (*connState, error) {
	s.connMu.Lock()
	conn := s.conn
	cn := s.cn
	s.connMu.Unlock()
	if conn == nil {
		return cn, tuyaerr.New(tuyaerr.SocketError, "not connected")
	}
	if _, err := conn.Write(frame); err != nil {
		return cn, tuyaerr.Wrap(tuyaerr.SocketError, "write failed", err)
	}
	return cn, nil
}

// writeWithRetry re-runs the whole connect→handshake pipeline on a transient
// write failure, not just the write, up to 5 attempts.
func (s *Session) writeWithRetry(ctx context.Context, frame []byte) error {
	var lastErr error
	for attempt := 0; attempt < 5; attempt++ {
		if attempt > 0 {
			if err := s.limiter.Wait(ctx); err != nil {
				return err
			}
		}
		if err := s.Connect(ctx); err != nil {
			lastErr = err
			continue
		}
		cn, err := s.writeFrame(frame)
		if err != nil {
			lastErr = err
			s.teardown(cn, err)
			continue
		}
		return nil
	}
	return lastErr
}
