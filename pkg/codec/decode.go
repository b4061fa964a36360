package codec

import (
	"crypto/hmac"
	"encoding/binary"
	"hash/crc32"

	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

const minFrameLen = 24

// DecodeOptions tweaks Decode's integrity checks. Discovery broadcasts skip
// the HMAC/CRC check entirely, since they are unauthenticated by design.
type DecodeOptions struct {
	SkipIntegrityCheck bool
}

// Decode locates every complete frame in buf by computing each frame's
// suffix position from its already-parsed payload_length field, and returns
// the leftover bytes that did not yet form a complete frame (to be prepended
// to the next read).
func (c *Codec) Decode(buf []byte, opts DecodeOptions) ([]Frame, []byte, error) {
	var frames []Frame
	for {
		if len(buf) < minFrameLen {
			return frames, buf, nil
		}
		prefix := binary.BigEndian.Uint32(buf[0:4])

		var wantSuffix uint32
		var isV35 bool
		switch prefix {
		case prefixLegacy:
			wantSuffix = suffixLegacy
		case prefixV35:
			wantSuffix = suffixV35
			isV35 = true
		default:
			return frames, nil, tuyaerr.New(tuyaerr.PrefixMismatch, "unrecognized frame prefix")
		}

		suffixPos := expectedSuffixPos(buf, isV35)
		if suffixPos+4 > len(buf) {
			// payload_length says the frame isn't fully buffered yet.
			return frames, buf, nil
		}
		if binary.BigEndian.Uint32(buf[suffixPos:suffixPos+4]) != wantSuffix {
			return frames, nil, tuyaerr.New(tuyaerr.SuffixMismatch, "frame suffix does not match payload_length")
		}

		frameBuf := buf[:suffixPos+4]
		leftover := buf[suffixPos+4:]

		var frame Frame
		var err error
		if isV35 {
			frame, err = c.decodeV35(frameBuf)
		} else {
			frame, err = c.decodeLegacy(frameBuf, opts)
		}
		if err != nil {
			return frames, leftover, err
		}
		frames = append(frames, frame)
		buf = leftover
	}
}

// expectedSuffixPos computes where a frame's trailing suffix should begin,
// from its payload_length field. Legacy frames (16-byte header at offset
// 12) count the suffix itself in payload_length; v3.5 frames (18-byte
// header, length at offset 14) don't.
func expectedSuffixPos(buf []byte, isV35 bool) int {
	if isV35 {
		length := binary.BigEndian.Uint32(buf[14:18])
		return 18 + int(length)
	}
	length := binary.BigEndian.Uint32(buf[12:16])
	return 16 + int(length) - 4
}

func (c *Codec) decodeLegacy(frameBuf []byte, opts DecodeOptions) (Frame, error) {
	seq := binary.BigEndian.Uint32(frameBuf[4:8])
	cmd := protocol.Command(binary.BigEndian.Uint32(frameBuf[8:12]))
	payloadLen := binary.BigEndian.Uint32(frameBuf[12:16])

	if int(payloadLen) > len(frameBuf)-8 {
		return Frame{}, tuyaerr.New(tuyaerr.TruncatedPayload, "payload_length exceeds frame size")
	}

	interior := frameBuf[16 : len(frameBuf)-4]

	trailerLen := 4
	version := c.version
	if version == protocol.V34 {
		trailerLen = 32
	}
	if len(interior) < trailerLen {
		return Frame{}, tuyaerr.New(tuyaerr.TruncatedPayload, "frame shorter than trailer")
	}
	body := interior[:len(interior)-trailerLen]
	trailer := interior[len(interior)-trailerLen:]

	if !opts.SkipIntegrityCheck {
		if version == protocol.V34 {
			mac := c.cipher.HMAC(frameBuf[:16+len(body)])
			if !hmac.Equal(mac, trailer) {
				return Frame{}, tuyaerr.New(tuyaerr.HMACMismatch, "hmac verification failed")
			}
		} else {
			sum := crc32.ChecksumIEEE(frameBuf[:16+len(body)])
			var want [4]byte
			binary.BigEndian.PutUint32(want[:], sum)
			if !hmac.Equal(want[:], trailer) {
				return Frame{}, tuyaerr.New(tuyaerr.CRCMismatch, "crc32 verification failed")
			}
		}
	}

	var returnCode uint32
	hasReturnCode := false
	if len(body) >= 4 {
		rc := binary.BigEndian.Uint32(body[:4])
		if rc&0xFFFFFF00 == 0 {
			returnCode = rc
			hasReturnCode = true
			body = body[4:]
		}
	}

	payload, err := c.decodePayload(body, version)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Command:       cmd,
		Payload:       payload,
		SequenceN:     seq,
		Version:       version,
		ReturnCode:    returnCode,
		HasReturnCode: hasReturnCode,
	}, nil
}

// decodePayload decrypts body, falling back to surfacing the raw bytes as
// UTF-8 text when decryption fails rather than guessing at the cause.
func (c *Codec) decodePayload(body []byte, version protocol.Version) (interface{}, error) {
	if len(body) == 0 {
		return nil, nil
	}
	v, err := c.cipher.Decrypt(body, version)
	if err != nil {
		return string(body), nil
	}
	return v, nil
}

func (c *Codec) decodeV35(frameBuf []byte) (Frame, error) {
	seq := binary.BigEndian.Uint32(frameBuf[6:10])
	cmd := protocol.Command(binary.BigEndian.Uint32(frameBuf[10:14]))

	aad := frameBuf[4:18]
	interior := frameBuf[18 : len(frameBuf)-4]
	if len(interior) < 28 {
		return Frame{}, tuyaerr.New(tuyaerr.TruncatedPayload, "v3.5 frame shorter than iv+tag")
	}
	iv := interior[:12]
	tag := interior[len(interior)-16:]
	ct := interior[12 : len(interior)-16]

	payload, err := c.cipher.DecryptV35Frame(iv, ct, tag, aad)
	if err != nil {
		return Frame{}, err
	}

	return Frame{
		Command:   cmd,
		Payload:   payload,
		SequenceN: seq,
		Version:   protocol.V35,
	}, nil
}
