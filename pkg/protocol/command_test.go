package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/tuyago/localtuya/pkg/tuyaerr"
)

func TestCommandString(t *testing.T) {
	assert.Equal(t, "DP_QUERY", DP_QUERY.String())
	assert.Equal(t, "UNKNOWN", Command(999).String())
}

func TestValidateCommand(t *testing.T) {
	assert.NoError(t, ValidateCommand(CONTROL))

	err := ValidateCommand(Command(999))
	assert.Error(t, err)
	assert.ErrorIs(t, err, tuyaerr.OfKind(tuyaerr.InvalidCommand))
}

func TestNeedsPlaintextHeader(t *testing.T) {
	cases := []struct {
		version Version
		command Command
		want    bool
	}{
		{V32, DP_QUERY, false},
		{V32, CONTROL, true},
		{V34, HEART_BEAT, false},
		{V34, CONTROL_NEW, true},
		{V35, SESS_KEY_NEG_START, false},
		{V31, CONTROL, false},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, NeedsPlaintextHeader(tc.version, tc.command))
	}
}
