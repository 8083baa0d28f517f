package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

func TestGetTaskStatusProjectsRecord(t *testing.T) {
	e := newSvcEnv(t)
	e.tasks.put(persistence.Task{
		TaskID:         "t1",
		FactorID:       "f1",
		UserID:         "u1",
		FactorName:     "alpha",
		Status:         persistence.TaskFailed,
		ProcessStatus:  persistence.ProcessFailed,
		CurrentStage:   3,
		ErrorMessage:   "factor alpha has no values in 20240101..20240131",
		LastLogMessage: "loading factor series",
		LastLogTime:    "2024-02-01T10:00:00Z",
		LastLogLevel:   "error",
		StartTime:      "2024-02-01T09:59:00Z",
		EndTime:        "2024-02-01T10:00:01Z",
	})

	st, err := e.svc.GetTaskStatus(context.Background(), "t1")
	require.NoError(t, err)
	assert.Equal(t, "t1", st.TaskID)
	assert.Equal(t, "f1", st.FactorID)
	assert.Equal(t, "alpha", st.FactorName)
	assert.Equal(t, persistence.TaskFailed, st.Status)
	assert.Equal(t, persistence.ProcessFailed, st.ProcessStatus)
	assert.Equal(t, 3, st.CurrentStage)
	assert.Contains(t, st.ErrorMessage, "no values")
	assert.Equal(t, "error", st.LastLogLevel)
	assert.NotEmpty(t, st.EndTime)
}

func TestGetTaskStatusMissing(t *testing.T) {
	e := newSvcEnv(t)

	_, err := e.svc.GetTaskStatus(context.Background(), "nope")
	require.Error(t, err)
	assert.Equal(t, errs.KindDataAvailability, errs.KindOf(err))
}

func appendLog(t *testing.T, e *svcEnv, taskID, level, message string) {
	t.Helper()
	err := e.logs.Append(context.Background(), []persistence.LogEntry{{
		TaskID:    taskID,
		FactorID:  "f1",
		Level:     level,
		Message:   message,
		Timestamp: persistence.NowString(),
	}})
	require.NoError(t, err)
}

func TestGetTaskLogsIncrementalSplitEquivalence(t *testing.T) {
	e := newSvcEnv(t)
	ctx := context.Background()
	messages := []string{"started", "market window loaded", "factor series loaded", "grouping", "complete"}
	for _, m := range messages {
		appendLog(t, e, "t1", "info", m)
	}
	appendLog(t, e, "t2", "info", "other task noise")

	full, err := e.svc.GetTaskLogs(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, full.Logs, 5)
	for i, m := range messages {
		assert.Equal(t, m, full.Logs[i].Message)
		assert.Equal(t, "info", full.Logs[i].LogLevel)
	}

	// A read split at a mid-stream ordinal composes into the full read.
	head, high, err := e.logs.Tail(ctx, "t1", "", 3)
	require.NoError(t, err)
	require.Len(t, head, 3)

	rest, err := e.svc.GetTaskLogs(ctx, "t1", high)
	require.NoError(t, err)
	require.Len(t, rest.Logs, 2)
	assert.Equal(t, messages[3], rest.Logs[0].Message)
	assert.Equal(t, messages[4], rest.Logs[1].Message)
	assert.Equal(t, full.LastLogID, rest.LastLogID, "split reads end at the same high-water ordinal")
}

func TestGetTaskLogsEmptyKeepsOrdinal(t *testing.T) {
	e := newSvcEnv(t)
	ctx := context.Background()
	appendLog(t, e, "t1", "info", "only entry")

	page, err := e.svc.GetTaskLogs(ctx, "t1", "")
	require.NoError(t, err)
	require.Len(t, page.Logs, 1)
	high := page.LastLogID
	require.NotEmpty(t, high)

	again, err := e.svc.GetTaskLogs(ctx, "t1", high)
	require.NoError(t, err)
	assert.Empty(t, again.Logs)
	assert.Equal(t, high, again.LastLogID, "no new entries leaves the cursor unchanged")
}

func TestGetTaskLogsUnknownTaskIsEmpty(t *testing.T) {
	e := newSvcEnv(t)

	page, err := e.svc.GetTaskLogs(context.Background(), "ghost", "")
	require.NoError(t, err)
	assert.Empty(t, page.Logs)
	assert.Empty(t, page.LastLogID)
}
