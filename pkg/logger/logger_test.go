package logger_test

import (
	"bytes"
	"encoding/json"
	"errors"
	"testing"

	"github.com/medflow/rx-verification/pkg/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogger_WithRun(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "verification-service")

	log.WithRun("upload-1", "run-1").WithComponent("orchestrator").Info().Msg("tier1 started")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "verification-service", entry["service"])
	assert.Equal(t, "upload-1", entry["upload_id"])
	assert.Equal(t, "run-1", entry["run_id"])
	assert.Equal(t, "orchestrator", entry["component"])
	assert.Equal(t, "tier1 started", entry["message"])
}

func TestLogger_WithError(t *testing.T) {
	var buf bytes.Buffer
	log := logger.NewWithWriter(&buf, "svc")

	log.WithError(errors.New("blob missing")).WithUploadID("u").Error().Msg("run failed")

	entry := decodeLine(t, &buf)
	assert.Equal(t, "blob missing", entry["error"])
	assert.Equal(t, "u", entry["upload_id"])
}

func TestNop(t *testing.T) {
	assert.NotPanics(t, func() {
		logger.Nop().WithCorrelationID("c").Info().Msg("discarded")
	})
}
