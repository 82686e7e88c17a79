package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewWithWriter_Level(t *testing.T) {
	testCases := []struct {
		level     string
		debugSeen bool
	}{
		{level: "debug", debugSeen: true},
		{level: "INFO", debugSeen: false},
		{level: "nonsense", debugSeen: false},
		{level: "", debugSeen: false},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			var buf bytes.Buffer
			log := NewWithWriter(&buf, tc.level)
			log.Debug().Msg("debug line")
			assert.Equal(t, tc.debugSeen, bytes.Contains(buf.Bytes(), []byte("debug line")))
		})
	}
}

func TestComponent(t *testing.T) {
	var buf bytes.Buffer
	log := Component(NewWithWriter(&buf, "info"), "gateway")
	log.Info().Msg("hello")

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "gateway", entry["component"])
	assert.Equal(t, "hello", entry["message"])
}
