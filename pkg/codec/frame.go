// Package codec turns a {command, payload, sequence_n, encrypted?} record
// into wire bytes and back, dispatching to the cipher for
// encryption/decryption and integrity checks. A Codec is owned by exactly
// one device connection and holds no state beyond the version and cipher it
// was built with.
package codec

import (
	"encoding/binary"
	"encoding/json"
	"hash/crc32"

	"github.com/tuyago/localtuya/pkg/cipher"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

const (
	prefixLegacy uint32 = 0x000055AA
	suffixLegacy uint32 = 0x0000AA55
	prefixV35    uint32 = 0x00006699
	suffixV35    uint32 = 0x00009966
)

// Frame is the decoded result of parsing one on-wire unit.
type Frame struct {
	Command       protocol.Command
	Payload       interface{}
	SequenceN     uint32
	Version       protocol.Version
	ReturnCode    uint32
	HasReturnCode bool
}

// Codec encodes and decodes frames for one device connection.
type Codec struct {
	version protocol.Version
	cipher  *cipher.Cipher
}

// New builds a Codec bound to a cipher and protocol version.
func New(c *cipher.Cipher, version protocol.Version) *Codec {
	return &Codec{version: version, cipher: c}
}

// SetVersion re-seats the codec's version, used when a discovery broadcast
// reveals a version different from the caller's assumption.
func (c *Codec) SetVersion(v protocol.Version) { c.version = v }

func serializePayload(payload interface{}) ([]byte, error) {
	switch p := payload.(type) {
	case nil:
		return []byte{}, nil
	case []byte:
		return p, nil
	case string:
		return []byte(p), nil
	default:
		b, err := json.Marshal(p)
		if err != nil {
			return nil, tuyaerr.Wrap(tuyaerr.InvalidCommand, "payload is not JSON-serializable", err)
		}
		return b, nil
	}
}

func header15(version protocol.Version) []byte {
	h := make([]byte, 15)
	copy(h, version.HeaderPrefix())
	return h
}

// Encode dispatches to the per-version frame encoder.
func (c *Codec) Encode(cmd protocol.Command, payload interface{}, seq uint32, encrypted bool) ([]byte, error) {
	if err := protocol.ValidateCommand(cmd); err != nil {
		return nil, err
	}
	plaintext, err := serializePayload(payload)
	if err != nil {
		return nil, err
	}

	switch c.version {
	case protocol.V31:
		return c.encodeV31(cmd, plaintext, seq, encrypted)
	case protocol.V32, protocol.V33:
		return c.encodeV2V3(cmd, plaintext, seq)
	case protocol.V34:
		return c.encodeV34(cmd, plaintext, seq)
	case protocol.V35:
		return c.encodeV35(cmd, plaintext, seq)
	default:
		return nil, tuyaerr.New(tuyaerr.ConfigError, "unsupported version")
	}
}

func (c *Codec) encodeV31(cmd protocol.Command, plaintext []byte, seq uint32, encrypted bool) ([]byte, error) {
	body := plaintext
	if encrypted {
		ct, err := c.cipher.Encrypt(plaintext, protocol.V31)
		if err != nil {
			return nil, err
		}
		body = cipher.V31Preamble(ct, c.cipher.LocalKey())
	}
	return buildCRCFrame(seq, cmd, body)
}

func (c *Codec) encodeV2V3(cmd protocol.Command, plaintext []byte, seq uint32) ([]byte, error) {
	ct, err := c.cipher.Encrypt(plaintext, c.version)
	if err != nil {
		return nil, err
	}
	body := ct
	if needsHeader(c.version, cmd) {
		body = append(header15(c.version), ct...)
	}
	return buildCRCFrame(seq, cmd, body)
}

func (c *Codec) encodeV34(cmd protocol.Command, plaintext []byte, seq uint32) ([]byte, error) {
	pt := plaintext
	if needsHeader(c.version, cmd) {
		pt = append(header15(c.version), pt...)
	}
	padded := cipher.PKCS7Pad(pt, 16)
	ct, err := c.cipher.Encrypt(padded, protocol.V34)
	if err != nil {
		return nil, err
	}

	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], prefixLegacy)
	binary.BigEndian.PutUint32(header[4:8], seq)
	binary.BigEndian.PutUint32(header[8:12], uint32(cmd))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(ct)+0x24))

	mac := c.cipher.HMAC(append(append([]byte{}, header...), ct...))

	out := make([]byte, 0, 16+len(ct)+32+4)
	out = append(out, header...)
	out = append(out, ct...)
	out = append(out, mac...)
	out = appendUint32(out, suffixLegacy)
	return out, nil
}

func (c *Codec) encodeV35(cmd protocol.Command, plaintext []byte, seq uint32) ([]byte, error) {
	pt := plaintext
	if needsHeader(c.version, cmd) {
		pt = append(header15(c.version), pt...)
	}

	header := make([]byte, 18)
	binary.BigEndian.PutUint32(header[0:4], prefixV35)
	binary.BigEndian.PutUint32(header[6:10], seq)
	binary.BigEndian.PutUint32(header[10:14], uint32(cmd))
	binary.BigEndian.PutUint32(header[14:18], uint32(len(pt)+28))

	result, err := c.cipher.EncryptGCM(pt, header[4:18], nil)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(header)+len(result.IV)+len(result.Ciphertext)+len(result.Tag)+4)
	out = append(out, header...)
	out = append(out, result.IV...)
	out = append(out, result.Ciphertext...)
	out = append(out, result.Tag...)
	out = appendUint32(out, suffixV35)
	return out, nil
}

func buildCRCFrame(seq uint32, cmd protocol.Command, body []byte) ([]byte, error) {
	header := make([]byte, 16)
	binary.BigEndian.PutUint32(header[0:4], prefixLegacy)
	binary.BigEndian.PutUint32(header[4:8], seq)
	binary.BigEndian.PutUint32(header[8:12], uint32(cmd))
	binary.BigEndian.PutUint32(header[12:16], uint32(len(body)+8))

	withBody := append(append([]byte{}, header...), body...)
	sum := crc32.ChecksumIEEE(withBody)

	out := make([]byte, 0, len(withBody)+8)
	out = append(out, withBody...)
	out = appendUint32(out, sum)
	out = appendUint32(out, suffixLegacy)
	return out, nil
}

func appendUint32(buf []byte, v uint32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	return append(buf, b[:]...)
}

func needsHeader(v protocol.Version, c protocol.Command) bool {
	return protocol.NeedsPlaintextHeader(v, c)
}
