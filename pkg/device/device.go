package device

import (
	"context"
	"sync"
	"time"

	"github.com/dustin/go-broadcast"

	"github.com/tuyago/localtuya/internal/logger"
	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/discovery"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/session"
)

// Event is one item on a Device's event stream.
type Event struct {
	Kind    string // "connected", "disconnected", "heartbeat", "data", "dp-refresh", "error"
	Payload interface{}
	Command protocol.Command
	Seq     uint32
	Err     error
}

const (
	EventConnected    = "connected"
	EventDisconnected = "disconnected"
	EventHeartbeat    = "heartbeat"
	EventData         = "data"
	EventDPRefresh    = "dp-refresh"
	EventError        = "error"
)

// Device is the public collaborator: an event source plus promise-returning
// connect/get/refresh/set/toggle/find/disconnect operations, orchestrating
// the cipher, codec, discovery, and session layers underneath it.
type Device struct {
	opts Options
	rec  Record
	log  *logger.Logger

	cipher  *cipher.Cipher
	session *session.Session
	disco   *discovery.Discovery

	mu        sync.RWMutex
	broadcast broadcast.Broadcaster
}

// New builds a Device from Options. Options are defaulted and validated
// before the cipher/session collaborators are constructed.
func New(opts Options) (*Device, error) {
	if err := opts.applyDefaults(); err != nil {
		return nil, err
	}
	rec, err := NewRecord(opts)
	if err != nil {
		return nil, err
	}

	log := opts.Log
	if log == nil {
		log = logger.Get()
	}
	log = log.WithComponent("device").WithFields(map[string]interface{}{"id": rec.ID, "ip": rec.IP})

	c, err := cipher.New(opts.Version, opts.Key, log)
	if err != nil {
		return nil, err
	}

	d := &Device{
		opts:      opts,
		rec:       rec,
		log:       log,
		cipher:    c,
		disco:     discovery.New(log),
		broadcast: broadcast.NewBroadcaster(16),
	}

	d.session = session.New(session.Config{
		IP:                    opts.IP,
		Port:                  opts.Port,
		Version:               opts.Version,
		LocalKey:              opts.Key,
		ConnectTimeout:        opts.ConnectTimeout,
		HeartbeatInterval:     opts.HeartbeatInterval,
		PongTimeout:           opts.PongTimeout,
		ResponseTimeout:       opts.ResponseTimeout,
		IssueGetOnConnect:     opts.IssueGetOnConnect,
		IssueRefreshOnConnect: opts.IssueRefreshOnConnect,
		IssueRefreshOnPing:    opts.IssueRefreshOnPing,
		Log:                   log,
		Hooks: session.Hooks{
			OnConnected:    func() { d.emit(Event{Kind: EventConnected}) },
			OnDisconnected: func() { d.emit(Event{Kind: EventDisconnected}) },
			OnHeartbeat:    func() { d.emit(Event{Kind: EventHeartbeat}) },
			OnData: func(payload interface{}, cmd protocol.Command, seq uint32) {
				d.emit(Event{Kind: EventData, Payload: d.normalizePayload(payload), Command: cmd, Seq: seq})
			},
			OnDPRefresh: func(payload interface{}, cmd protocol.Command, seq uint32) {
				d.emit(Event{Kind: EventDPRefresh, Payload: d.normalizePayload(payload), Command: cmd, Seq: seq})
			},
			OnError: func(err error) { d.emit(Event{Kind: EventError, Err: err}) },
		},
	}, c, log)

	return d, nil
}

// normalizePayload applies the nullPayloadOnJSONError option: when the
// device answers with the literal "json obj data unvalid" string, substitute
// an all-null DP map rather than surfacing the raw string.
func (d *Device) normalizePayload(payload interface{}) interface{} {
	s, ok := payload.(string)
	if !ok || !d.opts.NullPayloadOnJSONError {
		return payload
	}
	if s != "json obj data unvalid" && s != "data format error" {
		return payload
	}
	nulled := map[string]interface{}{}
	for _, idx := range []string{"1", "2", "3", "101", "102", "103"} {
		nulled[idx] = nil
	}
	return map[string]interface{}{"dps": nulled}
}

func (d *Device) emit(ev Event) {
	if ev.Kind == EventData || ev.Kind == EventDPRefresh {
		if dps, ok := extractDPs(ev.Payload); ok {
			d.mu.Lock()
			if d.rec.DPs == nil {
				d.rec.DPs = map[string]interface{}{}
			}
			for k, v := range dps {
				d.rec.DPs[k] = v
			}
			d.mu.Unlock()
		}
	}
	d.broadcast.Submit(ev)
}

func extractDPs(payload interface{}) (map[string]interface{}, bool) {
	m, ok := payload.(map[string]interface{})
	if !ok {
		return nil, false
	}
	dps, ok := m["dps"].(map[string]interface{})
	return dps, ok
}

// Listen opens an event channel. Callers must Unlisten when done.
func (d *Device) Listen() chan interface{} {
	ch := make(chan interface{}, 16)
	d.broadcast.Register(ch)
	return ch
}

// Unlisten closes a channel previously returned by Listen.
func (d *Device) Unlisten(ch chan interface{}) {
	d.broadcast.Unregister(ch)
	close(ch)
}

// Record returns a snapshot of the device's resolved identity and last-known
// DP state.
func (d *Device) Record() Record {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r := d.rec
	r.DPs = make(map[string]interface{}, len(d.rec.DPs))
	for k, v := range d.rec.DPs {
		r.DPs[k] = v
	}
	return r
}

// Connect dials and, if needed, handshakes with the device.
func (d *Device) Connect(ctx context.Context) error {
	return d.session.Connect(ctx)
}

// Disconnect tears down the session, idempotently.
func (d *Device) Disconnect() {
	d.session.Disconnect()
}

// IsConnected reports whether the underlying session is connected.
func (d *Device) IsConnected() bool {
	return d.session.IsConnected()
}

// Find delegates to Discovery, populating the device record if it is missing
// id or ip.
func (d *Device) Find(ctx context.Context, timeout time.Duration) error {
	d.mu.RLock()
	id, ip := d.rec.ID, d.rec.IP
	d.mu.RUnlock()

	if id != "" && ip != "" {
		return nil
	}

	b, err := d.disco.Find(ctx, discovery.Options{ID: id, IP: ip, LocalKey: d.opts.Key, Timeout: timeout})
	if err != nil {
		return err
	}

	d.mu.Lock()
	if d.rec.ID == "" {
		d.rec.ID = b.ID
	}
	if d.rec.IP == "" {
		d.rec.IP = b.IP
		d.session.SetTarget(b.IP, 0)
	}
	d.rec.ProductKey = b.ProductKey
	if b.Version != "" {
		d.rec.Version = b.Version
	}
	if d.rec.DPs == nil {
		d.rec.DPs = map[string]interface{}{}
	}
	for k, v := range b.DPs {
		d.rec.DPs[k] = v
	}
	d.mu.Unlock()

	if b.Version != "" && b.Version != d.opts.Version {
		d.opts.Version = b.Version
		d.cipher.SetVersion(b.Version)
	}

	return nil
}
