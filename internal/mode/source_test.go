package mode

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSourcePriority(t *testing.T) {
	assert.Equal(t, 100, SourceRCChannel.Priority())
	assert.Equal(t, 80, SourceManualKeyboard.Priority())
	assert.Equal(t, 30, SourceHTTP.Priority())
	assert.Equal(t, 30, SourceProgrammatic.Priority())
	assert.Equal(t, 10, SourceTimeout.Priority())
	assert.Equal(t, 0, SourceNone.Priority())
	assert.Equal(t, 0, Source("bogus").Priority())

	assert.Greater(t, SourceRCChannel.Priority(), SourceManualKeyboard.Priority())
	assert.Greater(t, SourceManualKeyboard.Priority(), SourceHTTP.Priority())
}

func TestSourceIsManual(t *testing.T) {
	assert.True(t, SourceRCChannel.IsManual())
	assert.True(t, SourceManualKeyboard.IsManual())
	assert.False(t, SourceHTTP.IsManual())
	assert.False(t, SourceTimeout.IsManual())
}

func TestParseSource(t *testing.T) {
	for _, name := range []string{"none", "rc_channel", "manual_keyboard", "http_api", "programmatic", "timeout"} {
		src, err := ParseSource(name)
		require.NoError(t, err)
		assert.Equal(t, name, src.String())
	}

	_, err := ParseSource("joystick")
	assert.Error(t, err)
}
