package http

import (
	"context"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/service"
)

func dialStream(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := strings.Replace(ts.URL, "http://", "ws://", 1) + path
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestStreamSendsBacklogThenCloses(t *testing.T) {
	svc := &stubService{
		taskStatus: func(_ context.Context, taskID string) (*service.TaskStatus, error) {
			return &service.TaskStatus{TaskID: taskID, Status: persistence.TaskSucceeded}, nil
		},
		taskLogs: func(_ context.Context, _, lastLogID string) (*service.TaskLogPage, error) {
			assert.Empty(t, lastLogID)
			return &service.TaskLogPage{
				Logs: []service.LogLine{
					{Message: "factor evaluation started", LogLevel: "info", Timestamp: "2024-07-01 10:00:00"},
					{Message: "factor evaluation complete", LogLevel: "info", Timestamp: "2024-07-01 10:00:05"},
				},
				LastLogID: "000002",
			}, nil
		},
	}
	ts := httptest.NewServer(newTestRouter(t, svc, nil))
	defer ts.Close()

	conn := dialStream(t, ts, "/api/v1/tasks/4f2c1c0e/logs/stream")

	var page service.TaskLogPage
	require.NoError(t, conn.ReadJSON(&page))
	require.Len(t, page.Logs, 2)
	assert.Equal(t, "factor evaluation started", page.Logs[0].Message)
	assert.Equal(t, "000002", page.LastLogID)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal closure, got %v", err)
}

func TestStreamFollowsRunningTaskUntilTerminal(t *testing.T) {
	var mu sync.Mutex
	statusCalls := 0
	var cursors []string

	svc := &stubService{
		taskStatus: func(_ context.Context, taskID string) (*service.TaskStatus, error) {
			mu.Lock()
			defer mu.Unlock()
			statusCalls++
			st := &service.TaskStatus{TaskID: taskID, Status: persistence.TaskRunning}
			if statusCalls > 1 {
				st.Status = persistence.TaskSucceeded
			}
			return st, nil
		},
		taskLogs: func(_ context.Context, _, lastLogID string) (*service.TaskLogPage, error) {
			mu.Lock()
			defer mu.Unlock()
			cursors = append(cursors, lastLogID)
			switch lastLogID {
			case "000005":
				return &service.TaskLogPage{
					Logs:      []service.LogLine{{Message: "grouping assigned", LogLevel: "info", Timestamp: "2024-07-01 10:00:01"}},
					LastLogID: "000006",
				}, nil
			case "000006":
				return &service.TaskLogPage{
					Logs:      []service.LogLine{{Message: "result bundle stored", LogLevel: "info", Timestamp: "2024-07-01 10:00:02"}},
					LastLogID: "000007",
				}, nil
			default:
				return &service.TaskLogPage{Logs: []service.LogLine{}, LastLogID: lastLogID}, nil
			}
		},
	}
	ts := httptest.NewServer(newTestRouter(t, svc, nil))
	defer ts.Close()

	conn := dialStream(t, ts, "/api/v1/tasks/4f2c1c0e/logs/stream?last_log_id=000005")

	var first, second service.TaskLogPage
	require.NoError(t, conn.ReadJSON(&first))
	require.Len(t, first.Logs, 1)
	assert.Equal(t, "grouping assigned", first.Logs[0].Message)

	require.NoError(t, conn.ReadJSON(&second))
	require.Len(t, second.Logs, 1)
	assert.Equal(t, "result bundle stored", second.Logs[0].Message)
	assert.Equal(t, "000007", second.LastLogID)

	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "expected normal closure, got %v", err)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{"000005", "000006"}, cursors, "resume cursor must seed the first read")
}

func TestStreamRejectsUnknownTaskBeforeUpgrade(t *testing.T) {
	svc := &stubService{
		taskStatus: func(context.Context, string) (*service.TaskStatus, error) {
			return nil, errs.NoDataf("task nope not found")
		},
	}
	ts := httptest.NewServer(newTestRouter(t, svc, nil))
	defer ts.Close()

	url := strings.Replace(ts.URL, "http://", "ws://", 1) + "/api/v1/tasks/nope/logs/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.Error(t, err)
	require.Nil(t, conn)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
