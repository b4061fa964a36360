package session

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/codec"
	"github.com/tuyago/localtuya/pkg/protocol"
)

func testLocalKey() []byte { return []byte("0123456789abcdef") }

// fakeDevice is a minimal v3.3 TCP responder used to drive Session through a
// real socket round trip without a physical device.
type fakeDevice struct {
	t        *testing.T
	listener net.Listener
	cipher   *cipher.Cipher
	codec    *codec.Codec
}

func newFakeDevice(t *testing.T) *fakeDevice {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c, err := cipher.New(protocol.V33, testLocalKey(), nil)
	require.NoError(t, err)

	return &fakeDevice{t: t, listener: ln, cipher: c, codec: codec.New(c, protocol.V33)}
}

func (f *fakeDevice) addr() (string, int) {
	tcpAddr := f.listener.Addr().(*net.TCPAddr)
	return tcpAddr.IP.String(), tcpAddr.Port
}

// serveOne accepts a single connection, echoes a STATUS reply to every
// DP_QUERY it receives, and answers every HEART_BEAT with one in kind.
func (f *fakeDevice) serveOne() {
	go func() {
		conn, err := f.listener.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		buf := make([]byte, 4096)
		var pending []byte
		for {
			n, err := conn.Read(buf)
			if err != nil {
				return
			}
			pending = append(pending, buf[:n]...)

			frames, leftover, _ := f.codec.Decode(pending, codec.DecodeOptions{})
			pending = leftover
			for _, fr := range frames {
				switch fr.Command {
				case protocol.HEART_BEAT:
					reply, err := f.codec.Encode(protocol.HEART_BEAT, nil, fr.SequenceN, true)
					if err == nil {
						conn.Write(reply)
					}
				case protocol.DP_QUERY:
					payload := map[string]interface{}{"dps": map[string]interface{}{"1": true}}
					reply, err := f.codec.Encode(protocol.STATUS, payload, fr.SequenceN, true)
					if err == nil {
						conn.Write(reply)
					}
				}
			}
		}
	}()
}

func (f *fakeDevice) close() { f.listener.Close() }

func newTestSession(t *testing.T, dev *fakeDevice) *Session {
	t.Helper()
	ip, port := dev.addr()
	c, err := cipher.New(protocol.V33, testLocalKey(), nil)
	require.NoError(t, err)

	return New(Config{
		IP:                ip,
		Port:              port,
		Version:           protocol.V33,
		LocalKey:          testLocalKey(),
		ConnectTimeout:    2 * time.Second,
		HeartbeatInterval: 50 * time.Millisecond,
		PongTimeout:       200 * time.Millisecond,
		ResponseTimeout:   1, // 2.5s via responseTimeout()
	}, c, nil)
}

func TestConfigDefaultsAndResponseTimeoutQuirk(t *testing.T) {
	cfg := Config{}
	cfg.applyDefaults()
	assert.Equal(t, 6668, cfg.Port)
	assert.Equal(t, protocol.V31, cfg.Version)
	assert.Equal(t, 5*time.Second, cfg.responseTimeout())
}

func TestConnectAndGet(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.close()
	dev.serveOne()

	s := newTestSession(t, dev)
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	require.NoError(t, s.Connect(ctx))
	assert.True(t, s.IsConnected())

	result, err := s.Get(ctx, protocol.DP_QUERY, nil)
	require.NoError(t, err)
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	dps, ok := m["dps"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, true, dps["1"])
}

func TestConnectShareInFlight(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.close()
	dev.serveOne()

	s := newTestSession(t, dev)
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	errCh1 := make(chan error, 1)
	errCh2 := make(chan error, 1)
	go func() { errCh1 <- s.Connect(ctx) }()
	go func() { errCh2 <- s.Connect(ctx) }()

	require.NoError(t, <-errCh1)
	require.NoError(t, <-errCh2)
	assert.True(t, s.IsConnected())
}

func TestDisconnectIsIdempotent(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.close()
	dev.serveOne()

	s := newTestSession(t, dev)
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	s.Disconnect()
	s.Disconnect()
	assert.False(t, s.IsConnected())
}

func TestHeartbeatUpdatesLastPongAt(t *testing.T) {
	dev := newFakeDevice(t)
	defer dev.close()
	dev.serveOne()

	s := newTestSession(t, dev)
	defer s.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	require.NoError(t, s.Connect(ctx))

	assert.Eventually(t, func() bool {
		return s.lastPongAt.Load() > 0
	}, 2*time.Second, 20*time.Millisecond)
}
