package obs

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLoggerJSONOutsideDev(t *testing.T) {
	var buf bytes.Buffer
	newLogger("production", &buf).Info("joined", "channel", "chat:u1")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "joined", line["msg"])
	assert.Equal(t, "chat:u1", line["channel"])
}

func TestNewLoggerTintInDev(t *testing.T) {
	var buf bytes.Buffer
	newLogger("dev", &buf).Debug("poll", "attempt", 2)
	assert.Contains(t, buf.String(), "poll")
	assert.Contains(t, buf.String(), "attempt")
	assert.False(t, json.Valid(buf.Bytes()))
}
