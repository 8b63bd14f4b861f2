package logging_test

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/truemark/albpriority/logging"
)

func TestNew_WritesJSONWithFields(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New("debug", &buf)

	logger.WithField("listener_id", "arn:listener").WithFields(map[string]any{"priority": 3}).Info("allocated")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "allocated", line["msg"])
	assert.Equal(t, "info", line["level"])
	assert.Equal(t, "arn:listener", line["listener_id"])
	assert.InDelta(t, 3, line["priority"], 0)
}

func TestNew_WithFieldDoesNotModifyReceiver(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	base := logging.New("info", &buf)

	base.WithField("service_id", "svc-a").Info("derived")
	buf.Reset()
	base.Info("base")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))

	assert.Equal(t, "base", line["msg"])
	assert.NotContains(t, line, "service_id")
}

func TestNew_RespectsLevel(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New("warn", &buf)

	logger.Debug("hidden")
	logger.Infof("hidden %d", 1)
	logger.Warn("shown")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 1)
	assert.Contains(t, lines[0], "shown")
}

func TestNew_UnknownLevelFallsBackToInfo(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	logger := logging.New("chatty", &buf)

	logger.Debug("hidden")
	logger.Info("shown")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), "shown")
}

func TestNoop(t *testing.T) {
	t.Parallel()

	logger := logging.Noop().WithField("a", 1).WithFields(map[string]any{"b": 2})

	assert.NotPanics(t, func() {
		logger.Debug("x")
		logger.Errorf("y %s", "z")
	})
}
