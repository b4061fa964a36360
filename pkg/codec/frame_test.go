package codec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/protocol"
)

func newCodec(t *testing.T, v protocol.Version) *Codec {
	t.Helper()
	c, err := cipher.New(v, []byte("0123456789abcdef"), nil)
	require.NoError(t, err)
	return New(c, v)
}

func TestEncodeDecodeV33RoundTrip(t *testing.T) {
	c := newCodec(t, protocol.V33)

	wire, err := c.Encode(protocol.CONTROL, map[string]interface{}{"dps": map[string]bool{"1": true}}, 7, true)
	require.NoError(t, err)

	frames, leftover, err := c.Decode(wire, DecodeOptions{})
	require.NoError(t, err)
	assert.Empty(t, leftover)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CONTROL, frames[0].Command)
	assert.Equal(t, uint32(7), frames[0].SequenceN)
}

func TestEncodeDecodeV34RoundTrip(t *testing.T) {
	c := newCodec(t, protocol.V34)

	wire, err := c.Encode(protocol.CONTROL_NEW, map[string]interface{}{"dps": map[string]bool{"1": false}}, 1, true)
	require.NoError(t, err)

	frames, _, err := c.Decode(wire, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.CONTROL_NEW, frames[0].Command)
}

func TestEncodeDecodeV35RoundTrip(t *testing.T) {
	c := newCodec(t, protocol.V35)

	wire, err := c.Encode(protocol.DP_QUERY, nil, 3, true)
	require.NoError(t, err)

	frames, leftover, err := c.Decode(wire, DecodeOptions{})
	require.NoError(t, err)
	assert.Empty(t, leftover)
	require.Len(t, frames, 1)
	assert.Equal(t, protocol.DP_QUERY, frames[0].Command)
	assert.Equal(t, uint32(3), frames[0].SequenceN)
}

func TestDecodeKeepsShortBufferAsLeftover(t *testing.T) {
	c := newCodec(t, protocol.V33)
	frames, leftover, err := c.Decode([]byte{0x00, 0x00, 0x55, 0xAA}, DecodeOptions{})
	require.NoError(t, err)
	assert.Empty(t, frames)
	assert.Len(t, leftover, 4)
}

func TestDecodeMultipleFramesInOneBuffer(t *testing.T) {
	c := newCodec(t, protocol.V33)

	f1, err := c.Encode(protocol.HEART_BEAT, nil, 1, true)
	require.NoError(t, err)
	f2, err := c.Encode(protocol.DP_QUERY, nil, 2, true)
	require.NoError(t, err)

	combined := append(append([]byte{}, f1...), f2...)
	frames, leftover, err := c.Decode(combined, DecodeOptions{})
	require.NoError(t, err)
	assert.Empty(t, leftover)
	require.Len(t, frames, 2)
	assert.Equal(t, uint32(1), frames[0].SequenceN)
	assert.Equal(t, uint32(2), frames[1].SequenceN)
}

func TestDecodeCarriesPartialTrailingFrame(t *testing.T) {
	c := newCodec(t, protocol.V33)

	f1, err := c.Encode(protocol.HEART_BEAT, nil, 1, true)
	require.NoError(t, err)
	partial := append(append([]byte{}, f1...), []byte{0x00, 0x00, 0x55, 0xAA, 0x00}...)

	frames, leftover, err := c.Decode(partial, DecodeOptions{})
	require.NoError(t, err)
	require.Len(t, frames, 1)
	assert.Equal(t, []byte{0x00, 0x00, 0x55, 0xAA, 0x00}, leftover)
}

func TestDecodeUnrecognizedPrefix(t *testing.T) {
	c := newCodec(t, protocol.V33)
	buf := make([]byte, 24)
	buf[3] = 0x01
	_, _, err := c.Decode(buf, DecodeOptions{})
	assert.Error(t, err)
}

func TestDecodeRejectsCorruptedCRC(t *testing.T) {
	c := newCodec(t, protocol.V33)

	wire, err := c.Encode(protocol.HEART_BEAT, nil, 1, true)
	require.NoError(t, err)
	wire[len(wire)-5] ^= 0xFF

	_, _, err = c.Decode(wire, DecodeOptions{})
	assert.Error(t, err)
}

func TestDecodeSkipsIntegrityCheckForDiscoveryBroadcasts(t *testing.T) {
	c := newCodec(t, protocol.V33)

	wire, err := c.Encode(protocol.HEART_BEAT, nil, 1, true)
	require.NoError(t, err)
	wire[len(wire)-5] ^= 0xFF

	frames, _, err := c.Decode(wire, DecodeOptions{SkipIntegrityCheck: true})
	require.NoError(t, err)
	require.Len(t, frames, 1)
}
