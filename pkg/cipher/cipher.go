// Package cipher implements per-version encryption/decryption of device
// payloads plus the MD5 signature, HMAC, and CSPRNG primitives the frame
// codec and session handshake build on.
package cipher

import (
	"crypto/hmac"
	"crypto/md5"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/tuyago/localtuya/internal/logger"
	"github.com/tuyago/localtuya/pkg/protocol"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

// Cipher holds a device's local key and, once negotiated, its ephemeral
// session key. The session key is stored behind an atomic pointer so a
// single-owner session goroutine can swap it in after the v3.4/v3.5
// handshake without a mutex.
type Cipher struct {
	version    protocol.Version
	localKey   []byte
	sessionKey atomic.Pointer[[]byte]
	log        *logger.Logger

	// nowMillis is overridable so v3.5 IV derivation is deterministic in
	// tests; production code leaves it nil and falls back to time.Now.
	nowMillis func() int64
}

// New builds a Cipher for a 16-byte local key and protocol version.
func New(version protocol.Version, localKey []byte, log *logger.Logger) (*Cipher, error) {
	if len(localKey) != 16 {
		return nil, tuyaerr.New(tuyaerr.ConfigError, "local key must be 16 bytes")
	}
	if log == nil {
		log = logger.Get()
	}
	return &Cipher{version: version, localKey: localKey, log: log.WithComponent("cipher")}, nil
}

// SetVersion re-seats the cipher's active version, used by discovery when a
// broadcast reveals a different version than the caller assumed.
func (c *Cipher) SetVersion(v protocol.Version) { c.version = v }

// Version returns the cipher's current protocol version.
func (c *Cipher) Version() protocol.Version { return c.version }

// SetSessionKey installs the session key negotiated during the v3.4/v3.5
// handshake. It replaces local_key for all subsequent traffic.
func (c *Cipher) SetSessionKey(key []byte) {
	k := append([]byte(nil), key...)
	c.sessionKey.Store(&k)
}

// ClearSessionKey drops the session key, e.g. on disconnect.
func (c *Cipher) ClearSessionKey() { c.sessionKey.Store(nil) }

// ActiveKey returns the session key if set, else the local key.
func (c *Cipher) ActiveKey() []byte {
	if p := c.sessionKey.Load(); p != nil {
		return *p
	}
	return c.localKey
}

// LocalKey returns the device's pre-shared key, used directly during the
// handshake even after a session key is installed.
func (c *Cipher) LocalKey() []byte { return c.localKey }

func (c *Cipher) now() int64 {
	if c.nowMillis != nil {
		return c.nowMillis()
	}
	return time.Now().UnixMilli()
}

// Encrypt runs the per-version encode branch.
func (c *Cipher) Encrypt(plaintext []byte, v protocol.Version) ([]byte, error) {
	key := c.ActiveKey()
	switch v {
	case protocol.V31, protocol.V32, protocol.V33:
		padded := pkcs7Pad(plaintext, 16)
		ct, err := ecbEncrypt(key, padded)
		if err != nil {
			return nil, err
		}
		if v == protocol.V31 {
			encoded := make([]byte, base64.StdEncoding.EncodedLen(len(ct)))
			base64.StdEncoding.Encode(encoded, ct)
			return encoded, nil
		}
		return ct, nil
	case protocol.V34:
		// Caller is responsible for pre-padding to a 16-byte boundary;
		// encoding with padding disabled just runs the ECB block loop.
		return ecbEncrypt(key, plaintext)
	case protocol.V35:
		return nil, tuyaerr.New(tuyaerr.ConfigError, "v3.5 uses EncryptGCM, not Encrypt")
	default:
		return nil, tuyaerr.New(tuyaerr.ConfigError, "unsupported version")
	}
}

// GCMResult is the output of a v3.5 AEAD encrypt: ciphertext, the derived
// or caller-supplied IV, and the 16-byte authentication tag.
type GCMResult struct {
	IV         []byte
	Ciphertext []byte
	Tag        []byte
}

// EncryptGCM implements the v3.5 AEAD branch: AES-128-GCM with a
// 12-byte IV derived from the current time in deciseconds-of-a-millisecond
// (floor(now_ms*10) decimal text, truncated to 12 bytes), AAD over the frame
// header. iv may be supplied by the caller (e.g. the handshake reuses the
// local nonce L as the IV); when nil, EncryptGCM derives one.
func (c *Cipher) EncryptGCM(plaintext, aad, iv []byte) (*GCMResult, error) {
	if iv == nil {
		iv = c.deriveIV()
	}
	ct, tag, err := gcmEncrypt(c.ActiveKey(), iv, plaintext, aad)
	if err != nil {
		return nil, err
	}
	return &GCMResult{IV: iv, Ciphertext: ct, Tag: tag}, nil
}

// DecryptGCM is the inverse of EncryptGCM, used both for v3.5 frames and for
// the v3.5 handshake's session-key re-encryption step.
func (c *Cipher) DecryptGCM(iv, ciphertext, tag, aad []byte) ([]byte, error) {
	return gcmDecrypt(c.ActiveKey(), iv, ciphertext, tag, aad)
}

func (c *Cipher) deriveIV() []byte {
	decis := c.now() * 10
	s := strconv.FormatInt(decis, 10)
	for len(s) < 12 {
		s += "0"
	}
	return []byte(s[:12])
}

// envelope is the {protocol, t, data} wrapper v3.4/v3.5 JSON payloads carry
// once unwrapped; see envelope.go for the mapstructure-based unwrap.
type envelope struct {
	Protocol int                    `mapstructure:"protocol"`
	T        interface{}            `mapstructure:"t"`
	Data     map[string]interface{} `mapstructure:"data"`
}

// Decrypt runs the per-version decode branch, returning
// either a parsed JSON value (map[string]interface{}, etc.) or, if the
// plaintext doesn't parse as JSON, the raw text.
func (c *Cipher) Decrypt(ciphertext []byte, v protocol.Version) (interface{}, error) {
	switch v {
	case protocol.V31:
		return c.decryptV31(ciphertext)
	case protocol.V32, protocol.V33:
		return c.decryptV2V3(ciphertext, v)
	case protocol.V34:
		return c.decryptV34(ciphertext)
	default:
		return nil, tuyaerr.New(tuyaerr.ConfigError, "use DecryptV35Frame for v3.5")
	}
}

func (c *Cipher) decryptV31(ciphertext []byte) (interface{}, error) {
	body := ciphertext
	if len(ciphertext) >= 19 && string(ciphertext[:3]) == "3.1" {
		body = ciphertext[19:]
	}
	raw := make([]byte, base64.StdEncoding.DecodedLen(len(body)))
	n, err := base64.StdEncoding.Decode(raw, body)
	if err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.DecryptError, "v3.1 base64 decode", err)
	}
	padded, err := ecbDecrypt(c.ActiveKey(), raw[:n])
	if err != nil {
		return nil, err
	}
	plain, err := pkcs7Unpad(padded)
	if err != nil {
		return nil, err
	}
	return parseJSONOrText(plain), nil
}

func (c *Cipher) decryptV2V3(ciphertext []byte, v protocol.Version) (interface{}, error) {
	body := ciphertext
	prefix := []byte(string(v))
	if len(ciphertext) >= 15 && string(ciphertext[:3]) == string(prefix) {
		body = ciphertext[15:]
	}
	padded, err := ecbDecrypt(c.ActiveKey(), body)
	if err != nil {
		return nil, err
	}
	plain, err := pkcs7Unpad(padded)
	if err != nil {
		return nil, err
	}
	return parseJSONOrText(plain), nil
}

func (c *Cipher) decryptV34(ciphertext []byte) (interface{}, error) {
	plain, err := ecbDecrypt(c.ActiveKey(), ciphertext)
	if err != nil {
		return nil, err
	}
	plain = stripPKCS7FillTail(plain)
	if len(plain) >= 15 && string(plain[:3]) == "3.4" {
		plain = plain[15:]
	}
	return unwrapEnvelope(plain), nil
}

// DecryptV35Frame decrypts a v3.5 AEAD frame, strips the 4-byte return code
// devices prepend and the optional "3.5" prefix, and unwraps the
// {protocol,t,data} envelope.
func (c *Cipher) DecryptV35Frame(iv, ciphertext, tag, aad []byte) (interface{}, error) {
	plain, err := c.DecryptGCM(iv, ciphertext, tag, aad)
	if err != nil {
		return nil, err
	}
	if len(plain) >= 4 {
		plain = plain[4:]
	}
	if len(plain) >= 15 && string(plain[:3]) == "3.5" {
		plain = plain[15:]
	}
	return unwrapEnvelope(plain), nil
}

// stripPKCS7FillTail removes trailing pad bytes per their fill value,
// tolerating plaintext that (unlike the strict PKCS#7 writer) wasn't
// actually padded.
func stripPKCS7FillTail(data []byte) []byte {
	if plain, err := pkcs7Unpad(data); err == nil {
		return plain
	}
	return data
}

func parseJSONOrText(data []byte) interface{} {
	var v interface{}
	if err := json.Unmarshal(data, &v); err == nil {
		return v
	}
	return string(data)
}

func unwrapEnvelope(data []byte) interface{} {
	parsed := parseJSONOrText(data)
	m, ok := parsed.(map[string]interface{})
	if !ok {
		return parsed
	}
	var env envelope
	if err := decodeEnvelope(m, &env); err != nil || env.Data == nil {
		return parsed
	}
	merged := make(map[string]interface{}, len(env.Data)+1)
	for k, v := range env.Data {
		merged[k] = v
	}
	merged["t"] = env.T
	return merged
}

// MD5Sign returns the 16-hex-digit "localKey signature": MD5(s) with
// characters 8..24 of the lowercase hex digest kept.
func MD5Sign(s string) string {
	sum := md5.Sum([]byte(s))
	full := hex.EncodeToString(sum[:])
	return full[8:24]
}

// HMAC returns the 32-byte HMAC-SHA256 of buf under the cipher's active key.
func (c *Cipher) HMAC(buf []byte) []byte {
	return HMACWithKey(c.ActiveKey(), buf)
}

// HMACWithKey computes HMAC-SHA256 under an explicit key, used by the
// handshake to validate against local_key before a session key exists.
func HMACWithKey(key, buf []byte) []byte {
	mac := hmac.New(sha256.New, key)
	mac.Write(buf)
	return mac.Sum(nil)
}

// Random returns n cryptographically secure random bytes, defaulting to the
// 16-byte nonce size the v3.4/v3.5 handshake uses.
func Random(n int) ([]byte, error) {
	if n <= 0 {
		n = 16
	}
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return nil, tuyaerr.Wrap(tuyaerr.SocketError, "random bytes", err)
	}
	return buf, nil
}

// V31Preamble builds the "3.1"+md5-signature+base64-ciphertext preamble used
// for encrypted v3.1 commands.
func V31Preamble(ciphertextBase64, localKey []byte) []byte {
	sig := MD5Sign(fmt.Sprintf("data=%s||lpv=3.1||%s", ciphertextBase64, localKey))
	out := make([]byte, 0, 3+16+len(ciphertextBase64))
	out = append(out, "3.1"...)
	out = append(out, sig...)
	out = append(out, ciphertextBase64...)
	return out
}
