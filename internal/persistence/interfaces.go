// Package persistence defines the durable records of the platform and the
// repository interfaces the document store implements.
package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/series"
)

// NewID mints the identifier format used for task and log ids: a UUID4
// with the dashes stripped.
func NewID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// CustomFactorCollection names the collection holding precomputed values
// for one user-defined factor.
func CustomFactorCollection(factorName, userID string) string {
	return fmt.Sprintf("factor_%s_%s", factorName, userID)
}

// poolComponents maps an index code to the stored membership mask.
var poolComponents = map[string]string{
	"000300": "100",
	"000905": "010",
	"000852": "001",
}

// PoolComponent resolves a stock-pool code to its index_component mask.
// The whole-market pool (000985 or empty) matches everything and returns
// no mask.
func PoolComponent(pool string) (string, bool) {
	mask, ok := poolComponents[pool]
	return mask, ok
}

// Factor status values.
const (
	FactorIdle      = 0
	FactorRunning   = 1
	FactorSucceeded = 2
	FactorFailed    = 3
)

// Task status values.
const (
	TaskRunning   = 1
	TaskSucceeded = 2
	TaskFailed    = 3
)

// ProcessFailed marks a task whose pipeline aborted.
const ProcessFailed = -1

// NowString renders the storage timestamp format.
func NowString() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Params is the frozen evaluation parameter record carried by factors and
// tasks.
type Params struct {
	StartDate              string `bson:"start_date" json:"start_date"`
	EndDate                string `bson:"end_date" json:"end_date"`
	AdjustmentCycle        int    `bson:"adjustment_cycle" json:"adjustment_cycle"`
	StockPool              string `bson:"stock_pool" json:"stock_pool"`
	IncludeST              bool   `bson:"include_st" json:"include_st"`
	FactorDirection        string `bson:"factor_direction" json:"factor_direction"`
	GroupNumber            int    `bson:"group_number" json:"group_number"`
	ExtremeValueProcessing string `bson:"extreme_value_processing" json:"extreme_value_processing"`
}

// Factor is a stored factor definition. FactorID is the hex form of the
// storage id; the repository fills it on reads and on Create.
type Factor struct {
	FactorID      string   `bson:"-" json:"factor_id"`
	UserID        string   `bson:"user_id" json:"user_id"`
	FactorName    string   `bson:"factor_name" json:"factor_name"`
	Name          string   `bson:"name" json:"name"`
	Code          string   `bson:"code" json:"code"`
	CodeType      string   `bson:"code_type" json:"code_type"`
	FactorType    string   `bson:"factor_type" json:"factor_type"`
	Describe      string   `bson:"describe,omitempty" json:"describe,omitempty"`
	Tags          []string `bson:"tags,omitempty" json:"tags,omitempty"`
	Params        Params   `bson:"params" json:"params"`
	Status        int      `bson:"status" json:"status"`
	CurrentTaskID string   `bson:"current_task_id,omitempty" json:"current_task_id,omitempty"`
	CreatedAt     string   `bson:"created_at" json:"created_at"`
	UpdatedAt     string   `bson:"updated_at" json:"updated_at"`
}

// Task is one evaluation run of a factor.
type Task struct {
	TaskID         string `bson:"task_id" json:"task_id"`
	FactorID       string `bson:"factor_id" json:"factor_id"`
	UserID         string `bson:"user_id" json:"user_id"`
	FactorName     string `bson:"factor_name" json:"factor_name"`
	TaskType       string `bson:"task_type" json:"task_type"`
	Params         Params `bson:"params" json:"params"`
	Status         int    `bson:"status" json:"status"`
	ProcessStatus  int    `bson:"process_status" json:"process_status"`
	StartTime      string `bson:"start_time" json:"start_time"`
	EndTime        string `bson:"end_time,omitempty" json:"end_time,omitempty"`
	ErrorMessage   string `bson:"error_message,omitempty" json:"error_message,omitempty"`
	LastLogMessage string `bson:"last_log_message,omitempty" json:"last_log_message,omitempty"`
	LastLogTime    string `bson:"last_log_time,omitempty" json:"last_log_time,omitempty"`
	LastLogLevel   string `bson:"last_log_level,omitempty" json:"last_log_level,omitempty"`
	CurrentStage   int    `bson:"current_stage" json:"current_stage"`
	CreatedAt      string `bson:"created_at" json:"created_at"`
	UpdatedAt      string `bson:"updated_at" json:"updated_at"`
}

// Terminal reports whether the task reached a final state.
func (t *Task) Terminal() bool {
	return t.Status != TaskRunning || t.ProcessStatus == ProcessFailed
}

// LogEntry is one appended log row. Ordinal is the hex storage ordinal,
// filled on reads; it orders entries within and across flushes.
type LogEntry struct {
	Ordinal   string            `bson:"-" json:"-"`
	LogID     string            `bson:"log_id" json:"log_id"`
	TaskID    string            `bson:"task_id" json:"task_id"`
	FactorID  string            `bson:"factor_id" json:"factor_id"`
	Level     string            `bson:"level" json:"level"`
	Message   string            `bson:"message" json:"message"`
	Timestamp string            `bson:"timestamp" json:"timestamp"`
	Stage     int               `bson:"stage" json:"stage"`
	Details   map[string]string `bson:"details,omitempty" json:"details,omitempty"`
	CreatedAt string            `bson:"created_at" json:"created_at"`
	UpdatedAt string            `bson:"updated_at" json:"updated_at"`
}

// MarketType selects the k-line table.
type MarketType string

const (
	MarketStock  MarketType = "stock"
	MarketFuture MarketType = "future"
)

// MarketQuery shapes one window read against a market collection. Dates
// are YYYYMMDD, inclusive on both ends.
type MarketQuery struct {
	Start      string
	End        string
	Pool       string
	IncludeST  bool
	Symbols    []string
	Fields     []string
	MarketType MarketType
}

// FactorRepo stores factor definitions. Create and Update surface unique
// (user_id, factor_name) violations as conflict errors.
type FactorRepo interface {
	Create(ctx context.Context, f *Factor) (string, error)
	Update(ctx context.Context, f *Factor) error
	Delete(ctx context.Context, factorID string) error
	Get(ctx context.Context, factorID string) (*Factor, error)
	GetByName(ctx context.Context, userID, factorName string) (*Factor, error)
	ListByUser(ctx context.Context, userID string) ([]Factor, error)
	// SetStatus mirrors task outcomes onto the factor record.
	SetStatus(ctx context.Context, factorID string, status int, currentTaskID string) error
}

// TaskRepo stores task records. Stage and terminal transitions are
// conditional on the record not already being terminal.
type TaskRepo interface {
	Insert(ctx context.Context, t *Task) error
	Get(ctx context.Context, taskID string) (*Task, error)
	AdvanceStage(ctx context.Context, taskID string, stage int) error
	MarkSucceeded(ctx context.Context, taskID, endTime string) error
	MarkFailed(ctx context.Context, taskID, errorMessage, endTime string) error
	// SetLastLog mirrors the newest flushed log entry onto the task.
	SetLastLog(ctx context.Context, taskID, message, timestamp, level string, stage int) error
}

// LogRepo appends and tails task log entries.
type LogRepo interface {
	Append(ctx context.Context, entries []LogEntry) error
	// Tail returns entries after the given ordinal (empty = from the
	// beginning) in storage order, plus the new high-water ordinal.
	Tail(ctx context.Context, taskID, afterOrdinal string, limit int) ([]LogEntry, string, error)
}

// ResultRepo stores one immutable bundle per succeeded task.
type ResultRepo interface {
	Insert(ctx context.Context, taskID string, b *analysis.Bundle) error
	Get(ctx context.Context, taskID string) (*analysis.Bundle, error)
	// GetField projects a single bundle field for the chart queries.
	GetField(ctx context.Context, taskID, field string) (interface{}, error)
}

// MarketRepo reads k-line windows, base factors and custom factor series.
// Window-level chunking and parallelism live above, in marketdata.
type MarketRepo interface {
	Window(ctx context.Context, q MarketQuery) (*series.Frame, error)
	BaseFactorWindow(ctx context.Context, q MarketQuery) (*series.Frame, error)
	Universe(ctx context.Context, q MarketQuery) ([]string, error)
	CustomFactorExists(ctx context.Context, collection string) (bool, error)
	CustomFactorWindow(ctx context.Context, collection, start, end string) (*series.Frame, error)
}

// Repository aggregates the store's repositories.
type Repository struct {
	Factors FactorRepo
	Tasks   TaskRepo
	Logs    LogRepo
	Results ResultRepo
	Market  MarketRepo
}

// HealthCheck is a point-in-time view of store health.
type HealthCheck struct {
	Healthy        bool      `json:"healthy"`
	Errors         []string  `json:"errors,omitempty"`
	LastCheck      time.Time `json:"last_check"`
	ResponseTimeMS int64     `json:"response_time_ms"`
}

// RepositoryHealth monitors the persistence layer.
type RepositoryHealth interface {
	Health(ctx context.Context) HealthCheck
	Ping(ctx context.Context) error
}
