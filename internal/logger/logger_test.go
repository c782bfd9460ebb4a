package logger_test

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/taskmesh/taskmesh/internal/logger"
)

func TestJSONFormatWritesStructuredRecords(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithFormat("json"),
		logger.WithQuiet(),
		logger.WithWriter(&buf),
	)

	lg.Info("Task submitted", "taskId", "task_1", "subtasks", 3)

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "INFO", record["level"])
	assert.Equal(t, "Task submitted", record["msg"])
	assert.Equal(t, "task_1", record["taskId"])
	assert.Equal(t, 3.0, record["subtasks"])
}

func TestDebugLevelGating(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.NewLogger(logger.WithQuiet(), logger.WithWriter(&buf))

	lg.Debug("hidden at info level")
	assert.Empty(t, buf.String())

	var debugBuf bytes.Buffer
	lg = logger.NewLogger(logger.WithQuiet(), logger.WithWriter(&debugBuf), logger.WithDebug())
	lg.Debug("visible at debug level")
	assert.Contains(t, debugBuf.String(), "visible at debug level")
}

func TestWithAttachesAttrs(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithFormat("json"),
		logger.WithQuiet(),
		logger.WithWriter(&buf),
	).With("workerId", "worker_1")

	lg.Warn("Heartbeat failed")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "worker_1", record["workerId"])
}

func TestContextCarriesLogger(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithFormat("json"),
		logger.WithQuiet(),
		logger.WithWriter(&buf),
	)

	ctx := logger.WithLogger(context.Background(), lg)
	ctx = logger.WithValues(ctx, "taskId", "task_1")
	logger.Info(ctx, "Subtask dispatched", "subtaskId", "subtask_1")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "task_1", record["taskId"])
	assert.Equal(t, "subtask_1", record["subtaskId"])
}

func TestWithValuesOddPairs(t *testing.T) {
	var buf bytes.Buffer
	lg := logger.NewLogger(
		logger.WithFormat("json"),
		logger.WithQuiet(),
		logger.WithWriter(&buf),
	)

	ctx := logger.WithValues(logger.WithLogger(context.Background(), lg), "orphan")
	logger.Info(ctx, "message")

	var record map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &record))
	assert.Equal(t, "MISSING_VALUE", record["orphan"])
}
