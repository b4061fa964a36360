package device

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/codec"
	"github.com/tuyago/localtuya/pkg/protocol"
)

// fakeV33Device answers DP_QUERY/CONTROL with a STATUS carrying whatever DP
// map the test pre-seeds, mirroring session package's fake device harness.
type fakeV33Device struct {
	listener net.Listener
	codec    *codec.Codec
	dps      map[string]interface{}
}

func newFakeV33Device(t *testing.T, dps map[string]interface{}) *fakeV33Device {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	c, err := cipher.New(protocol.V33, testKey(), nil)
	require.NoError(t, err)

	return &fakeV33Device{listener: ln, codec: codec.New(c, protocol.V33), dps: dps}
}

func (f *fakeV33Device) addr() (string, int) {
	addr := f.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (f *fakeV33Device) serve() {
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
				case protocol.CONTROL:
					if m, ok := fr.Payload.(map[string]interface{}); ok {
						if dps, ok := m["dps"].(map[string]interface{}); ok {
							for k, v := range dps {
								f.dps[k] = v
							}
						}
					}
					fallthrough
				case protocol.DP_QUERY:
					reply, err := f.codec.Encode(protocol.STATUS, map[string]interface{}{"dps": f.dps}, fr.SequenceN, true)
					if err == nil {
						conn.Write(reply)
					}
				}
			}
		}
	}()
}

func (f *fakeV33Device) close() { f.listener.Close() }

func newConnectedDevice(t *testing.T, fake *fakeV33Device) *Device {
	t.Helper()
	ip, port := fake.addr()
	d, err := New(Options{
		ID:             "dev1",
		IP:             ip,
		Port:           port,
		Key:            testKey(),
		Version:        protocol.V33,
		ConnectTimeout: 2 * time.Second,
	})
	require.NoError(t, err)
	return d
}

func TestDeviceGetReturnsDefaultProperty(t *testing.T) {
	fake := newFakeV33Device(t, map[string]interface{}{"1": true})
	defer fake.close()
	fake.serve()

	d := newConnectedDevice(t, fake)
	defer d.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := d.Get(ctx, nil)
	require.NoError(t, err)
	require.Equal(t, true, result)
}

func TestDeviceToggleFlipsBoolean(t *testing.T) {
	fake := newFakeV33Device(t, map[string]interface{}{"1": false})
	defer fake.close()
	fake.serve()

	d := newConnectedDevice(t, fake)
	defer d.Disconnect()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	result, err := d.Toggle(ctx, "1")
	require.NoError(t, err)
	require.Equal(t, true, result)
}
