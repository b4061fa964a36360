package device

import (
	"testing"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testKey() []byte { return []byte("0123456789abcdef") }

func fakeDeviceID() string { return "eb" + gofakeit.Numerify("##############") }

func TestNewRejectsMissingIdentity(t *testing.T) {
	_, err := New(Options{Key: testKey()})
	require.Error(t, err)
}

func TestNewRejectsShortKey(t *testing.T) {
	_, err := New(Options{ID: "dev1", Key: []byte("short")})
	require.Error(t, err)
}

func TestNewAppliesDefaults(t *testing.T) {
	id := fakeDeviceID()
	d, err := New(Options{ID: id, Key: testKey()})
	require.NoError(t, err)
	assert.Equal(t, 6668, d.opts.Port)
	assert.Equal(t, id, d.opts.GwID)
}

func TestNormalizePayloadReplacesQuirkyString(t *testing.T) {
	d, err := New(Options{ID: "dev1", Key: testKey(), NullPayloadOnJSONError: true})
	require.NoError(t, err)

	result := d.normalizePayload("json obj data unvalid")
	m, ok := result.(map[string]interface{})
	require.True(t, ok)
	dps, ok := m["dps"].(map[string]interface{})
	require.True(t, ok)
	assert.Contains(t, dps, "101")
	assert.Nil(t, dps["101"])
}

func TestNormalizePayloadPassesThroughWhenDisabled(t *testing.T) {
	d, err := New(Options{ID: "dev1", Key: testKey()})
	require.NoError(t, err)
	assert.Equal(t, "json obj data unvalid", d.normalizePayload("json obj data unvalid"))
}

func TestRecordSnapshotIsIndependentCopy(t *testing.T) {
	d, err := New(Options{ID: "dev1", Key: testKey()})
	require.NoError(t, err)

	d.emit(Event{Kind: EventData, Payload: map[string]interface{}{"dps": map[string]interface{}{"1": true}}})

	before := d.Record()
	rec := d.Record()
	rec.DPs["1"] = false

	if diff := cmp.Diff(before, d.Record()); diff != "" {
		t.Fatalf("mutating a snapshot affected the device record (-before +after):\n%s", diff)
	}
	assert.Equal(t, true, d.Record().DPs["1"])
}

func TestListenReceivesEmittedEvents(t *testing.T) {
	d, err := New(Options{ID: "dev1", Key: testKey()})
	require.NoError(t, err)

	ch := d.Listen()
	defer d.Unlisten(ch)

	d.emit(Event{Kind: EventConnected})

	ev := (<-ch).(Event)
	assert.Equal(t, EventConnected, ev.Kind)
}
