package protocol

import "github.com/tuyago/localtuya/pkg/tuyaerr"

// Version is the protocol generation spoken by a device. It is threaded
// through the cipher and codec as a tagged value rather than compared as a
// string at every call site.
type Version string

const (
	V31 Version = "3.1"
	V32 Version = "3.2"
	V33 Version = "3.3"
	V34 Version = "3.4"
	V35 Version = "3.5"
)

// Valid reports whether v is one of the five supported wire variants.
func (v Version) Valid() bool {
	switch v {
	case V31, V32, V33, V34, V35:
		return true
	}
	return false
}

// RequiresHandshake reports whether connecting under v needs the
// session-key negotiation.
func (v Version) RequiresHandshake() bool {
	return v == V34 || v == V35
}

// HeaderPrefix mirrors the version string that non-query commands must
// prepend to their plaintext.
func (v Version) HeaderPrefix() string {
	return string(v)
}

// ParseVersion validates a caller-supplied version string.
func ParseVersion(s string) (Version, error) {
	v := Version(s)
	if !v.Valid() {
		return "", tuyaerr.New(tuyaerr.ConfigError, "unsupported protocol version: "+s)
	}
	return v, nil
}
