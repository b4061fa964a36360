package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseVersion(t *testing.T) {
	v, err := ParseVersion("3.4")
	require.NoError(t, err)
	assert.Equal(t, V34, v)
	assert.True(t, v.RequiresHandshake())

	_, err = ParseVersion("3.9")
	assert.Error(t, err)
}

func TestRequiresHandshake(t *testing.T) {
	assert.False(t, V31.RequiresHandshake())
	assert.False(t, V33.RequiresHandshake())
	assert.True(t, V34.RequiresHandshake())
	assert.True(t, V35.RequiresHandshake())
}
