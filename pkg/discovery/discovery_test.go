package discovery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tuyago/localtuya/pkg/codec"
)

func TestBroadcastRefreshDPIndicesLegacy(t *testing.T) {
	b := Broadcast{DPs: map[string]interface{}{"4": 1.0, "5": 2.0, "6": 3.0}}
	assert.Equal(t, []int{4, 5, 6}, b.RefreshDPIndices())
}

func TestBroadcastRefreshDPIndicesModern(t *testing.T) {
	b := Broadcast{DPs: map[string]interface{}{"18": 1.0, "19": 2.0, "20": 3.0}}
	assert.Equal(t, []int{18, 19, 20}, b.RefreshDPIndices())
}

func TestToBroadcastExtractsFields(t *testing.T) {
	frame := codec.Frame{
		Payload: map[string]interface{}{
			"gwId":       "22325186db4a2217dc8e",
			"ip":         "127.0.0.1",
			"productKey": "abc123",
			"version":    "3.3",
			"dps":        map[string]interface{}{"1": true},
		},
	}
	b, ok := toBroadcast(frame)
	assert.True(t, ok)
	assert.Equal(t, "22325186db4a2217dc8e", b.ID)
	assert.Equal(t, "127.0.0.1", b.IP)
}

func TestToBroadcastRejectsEmptyIdentity(t *testing.T) {
	frame := codec.Frame{Payload: map[string]interface{}{"productKey": "abc123"}}
	_, ok := toBroadcast(frame)
	assert.False(t, ok)
}

func TestMatchesByIDOrIP(t *testing.T) {
	b := Broadcast{ID: "dev1", IP: "10.0.0.5"}
	assert.True(t, matches(b, Options{ID: "dev1"}))
	assert.True(t, matches(b, Options{IP: "10.0.0.5"}))
	assert.False(t, matches(b, Options{ID: "other"}))
	assert.True(t, matches(b, Options{All: true}))
}

func TestCandidateKeysIncludesWellKnownKey(t *testing.T) {
	keys := candidateKeys(nil)
	assert.Len(t, keys, 1)
	assert.Equal(t, udpKey[:], keys[0])

	keys = candidateKeys([]byte("0123456789abcdef"))
	assert.Len(t, keys, 2)
}
