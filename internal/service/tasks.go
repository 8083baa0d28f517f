package service

import (
	"context"

	"github.com/factorlab/factorlab/internal/persistence"
)

// TaskStatus is the task inspection payload.
type TaskStatus struct {
	TaskID         string `json:"task_id"`
	FactorID       string `json:"factor_id"`
	UserID         string `json:"user_id"`
	FactorName     string `json:"factor_name"`
	Status         int    `json:"status"`
	ProcessStatus  int    `json:"process_status"`
	CurrentStage   int    `json:"current_stage"`
	ErrorMessage   string `json:"error_message,omitempty"`
	LastLogMessage string `json:"last_log_message,omitempty"`
	LastLogTime    string `json:"last_log_time,omitempty"`
	LastLogLevel   string `json:"last_log_level,omitempty"`
	StartTime      string `json:"start_time,omitempty"`
	EndTime        string `json:"end_time,omitempty"`
}

// GetTaskStatus projects the client-visible slice of a task record.
func (s *Service) GetTaskStatus(ctx context.Context, taskID string) (*TaskStatus, error) {
	t, err := s.repo.Tasks.Get(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return &TaskStatus{
		TaskID:         t.TaskID,
		FactorID:       t.FactorID,
		UserID:         t.UserID,
		FactorName:     t.FactorName,
		Status:         t.Status,
		ProcessStatus:  t.ProcessStatus,
		CurrentStage:   t.CurrentStage,
		ErrorMessage:   t.ErrorMessage,
		LastLogMessage: t.LastLogMessage,
		LastLogTime:    t.LastLogTime,
		LastLogLevel:   t.LastLogLevel,
		StartTime:      t.StartTime,
		EndTime:        t.EndTime,
	}, nil
}

// LogLine is one task-log row as clients see it.
type LogLine struct {
	Message   string `json:"message"`
	LogLevel  string `json:"loglevel"`
	Timestamp string `json:"timestamp"`
}

// TaskLogPage is an incremental slice of a task's log stream. LastLogID is
// the high-water ordinal to pass into the next read; when no new entries
// arrived it carries the requested ordinal unchanged, so split reads
// compose into one full read.
type TaskLogPage struct {
	Logs      []LogLine `json:"logs"`
	LastLogID string    `json:"last_log_id"`
}

// GetTaskLogs tails a task's log entries after lastLogID (empty reads from
// the beginning).
func (s *Service) GetTaskLogs(ctx context.Context, taskID, lastLogID string) (*TaskLogPage, error) {
	entries, high, err := s.repo.Logs.Tail(ctx, taskID, lastLogID, 0)
	if err != nil {
		return nil, err
	}
	return logPage(entries, high), nil
}

func logPage(entries []persistence.LogEntry, high string) *TaskLogPage {
	page := &TaskLogPage{Logs: make([]LogLine, 0, len(entries)), LastLogID: high}
	for _, e := range entries {
		page.Logs = append(page.Logs, LogLine{
			Message:   e.Message,
			LogLevel:  e.Level,
			Timestamp: e.Timestamp,
		})
	}
	return page
}
