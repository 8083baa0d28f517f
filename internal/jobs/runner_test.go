package jobs

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/marketdata"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/series"
	"github.com/factorlab/factorlab/internal/tasklog"
)

type fakeFactors struct {
	mu   sync.Mutex
	byID map[string]*persistence.Factor
}

func newFakeFactors(factors ...*persistence.Factor) *fakeFactors {
	f := &fakeFactors{byID: make(map[string]*persistence.Factor)}
	for _, fc := range factors {
		cp := *fc
		f.byID[fc.FactorID] = &cp
	}
	return f
}

func (f *fakeFactors) Get(ctx context.Context, factorID string) (*persistence.Factor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.byID[factorID]
	if !ok {
		return nil, errs.NoDataf("factor %s not found", factorID)
	}
	cp := *fc
	return &cp, nil
}

func (f *fakeFactors) GetByName(ctx context.Context, userID, factorName string) (*persistence.Factor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, fc := range f.byID {
		if fc.UserID == userID && fc.FactorName == factorName {
			cp := *fc
			return &cp, nil
		}
	}
	return nil, errs.NoDataf("factor %q not found for user %s", factorName, userID)
}

func (f *fakeFactors) SetStatus(ctx context.Context, factorID string, status int, currentTaskID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.byID[factorID]
	if !ok {
		return errs.NoDataf("factor %s not found", factorID)
	}
	fc.Status = status
	if currentTaskID != "" {
		fc.CurrentTaskID = currentTaskID
	}
	return nil
}

func (f *fakeFactors) snapshot(factorID string) (persistence.Factor, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.byID[factorID]
	if !ok {
		return persistence.Factor{}, false
	}
	return *fc, true
}

func (f *fakeFactors) Create(ctx context.Context, fc *persistence.Factor) (string, error) {
	return "", errs.Internalf("not implemented")
}
func (f *fakeFactors) Update(ctx context.Context, fc *persistence.Factor) error {
	return errs.Internalf("not implemented")
}
func (f *fakeFactors) Delete(ctx context.Context, factorID string) error {
	return errs.Internalf("not implemented")
}
func (f *fakeFactors) ListByUser(ctx context.Context, userID string) ([]persistence.Factor, error) {
	return nil, errs.Internalf("not implemented")
}

// fakeTasks mirrors the store's guarded transitions: terminal records
// never mutate and stages only move forward.
type fakeTasks struct {
	mu     sync.Mutex
	byID   map[string]*persistence.Task
	stages map[string][]int
}

func newFakeTasks() *fakeTasks {
	return &fakeTasks{byID: make(map[string]*persistence.Task), stages: make(map[string][]int)}
}

func (f *fakeTasks) Insert(ctx context.Context, t *persistence.Task) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *t
	f.byID[t.TaskID] = &cp
	return nil
}

func (f *fakeTasks) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return nil, errs.NoDataf("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTasks) AdvanceStage(ctx context.Context, taskID string, stage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return errs.NoDataf("task %s not found", taskID)
	}
	if t.Terminal() || stage <= t.ProcessStatus {
		return nil
	}
	t.ProcessStatus = stage
	t.UpdatedAt = persistence.NowString()
	f.stages[taskID] = append(f.stages[taskID], stage)
	return nil
}

func (f *fakeTasks) MarkSucceeded(ctx context.Context, taskID, endTime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return errs.NoDataf("task %s not found", taskID)
	}
	if t.Terminal() {
		return nil
	}
	t.Status = persistence.TaskSucceeded
	t.ProcessStatus = 9
	t.EndTime = endTime
	return nil
}

func (f *fakeTasks) MarkFailed(ctx context.Context, taskID, errorMessage, endTime string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return errs.NoDataf("task %s not found", taskID)
	}
	if t.Status != persistence.TaskRunning {
		return nil
	}
	t.Status = persistence.TaskFailed
	t.ProcessStatus = persistence.ProcessFailed
	t.ErrorMessage = errorMessage
	t.EndTime = endTime
	return nil
}

func (f *fakeTasks) SetLastLog(ctx context.Context, taskID, message, timestamp, level string, stage int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if ok && !t.Terminal() {
		t.LastLogMessage, t.LastLogTime, t.LastLogLevel, t.CurrentStage = message, timestamp, level, stage
	}
	return nil
}

func (f *fakeTasks) snapshot(taskID string) (persistence.Task, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return persistence.Task{}, false
	}
	return *t, true
}

func (f *fakeTasks) stageHistory(taskID string) []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.stages[taskID]...)
}

func (f *fakeTasks) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.byID)
}

type fakeLogs struct {
	mu      sync.Mutex
	entries []persistence.LogEntry
}

func (f *fakeLogs) Append(ctx context.Context, entries []persistence.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.entries = append(f.entries, entries...)
	return nil
}

func (f *fakeLogs) Tail(ctx context.Context, taskID, afterOrdinal string, limit int) ([]persistence.LogEntry, string, error) {
	return nil, afterOrdinal, errs.Internalf("not implemented")
}

func (f *fakeLogs) all() []persistence.LogEntry {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]persistence.LogEntry(nil), f.entries...)
}

type fakeResults struct {
	mu      sync.Mutex
	bundles map[string]*analysis.Bundle
}

func newFakeResults() *fakeResults {
	return &fakeResults{bundles: make(map[string]*analysis.Bundle)}
}

func (f *fakeResults) Insert(ctx context.Context, taskID string, b *analysis.Bundle) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.bundles[taskID]; ok {
		return errs.Internalf("result bundle already written for task %s", taskID)
	}
	f.bundles[taskID] = b
	return nil
}

func (f *fakeResults) Get(ctx context.Context, taskID string) (*analysis.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[taskID]
	if !ok {
		return nil, errs.NoDataf("no result bundle for task %s", taskID)
	}
	return b, nil
}

func (f *fakeResults) GetField(ctx context.Context, taskID, field string) (interface{}, error) {
	return nil, errs.Internalf("not implemented")
}

func (f *fakeResults) bundle(taskID string) (*analysis.Bundle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[taskID]
	return b, ok
}

func (f *fakeResults) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.bundles)
}

type fakeMarket struct {
	mu          sync.Mutex
	frame       *series.Frame
	windowErr   error
	windowCalls int
	existsPanic bool
	gate        chan struct{}
}

// clone keeps tasks from mutating each other's frames: the pipeline sorts
// and extends what it reads.
func clone(f *series.Frame) *series.Frame {
	rows := make([]int, f.Len())
	for i := range rows {
		rows[i] = i
	}
	return f.Select(rows)
}

func (m *fakeMarket) Window(ctx context.Context, q persistence.MarketQuery) (*series.Frame, error) {
	m.mu.Lock()
	m.windowCalls++
	err := m.windowErr
	frame := m.frame
	gate := m.gate
	m.mu.Unlock()
	if gate != nil {
		<-gate
	}
	if err != nil {
		return nil, err
	}
	return clone(frame), nil
}

func (m *fakeMarket) BaseFactorWindow(ctx context.Context, q persistence.MarketQuery) (*series.Frame, error) {
	return series.New(), nil
}

func (m *fakeMarket) Universe(ctx context.Context, q persistence.MarketQuery) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.frame.DistinctSymbols(), nil
}

func (m *fakeMarket) CustomFactorExists(ctx context.Context, collection string) (bool, error) {
	m.mu.Lock()
	panics := m.existsPanic
	m.mu.Unlock()
	if panics {
		panic("collection listing exploded")
	}
	return false, nil
}

func (m *fakeMarket) CustomFactorWindow(ctx context.Context, collection, start, end string) (*series.Frame, error) {
	return nil, errs.NoDataf("no collection %s", collection)
}

func (m *fakeMarket) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.windowCalls
}

func (m *fakeMarket) setErr(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.windowErr = err
}

func (m *fakeMarket) setExistsPanic(v bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.existsPanic = v
}

type fakeTaskMetrics struct {
	mu     sync.Mutex
	starts int
	ends   map[string]int
	stages map[string][]string
}

func newFakeTaskMetrics() *fakeTaskMetrics {
	return &fakeTaskMetrics{ends: make(map[string]int), stages: make(map[string][]string)}
}

func (m *fakeTaskMetrics) RecordTaskStart() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.starts++
}

func (m *fakeTaskMetrics) RecordTaskEnd(status string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.ends[status]++
}

func (m *fakeTaskMetrics) RecordStage(stage, result string, seconds float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stages[stage] = append(m.stages[stage], result)
}

func (m *fakeTaskMetrics) ended(status string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ends[status]
}

func (m *fakeTaskMetrics) stageResults(stage string) []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.stages[stage]...)
}

// Three symbols over three days. close/open-1 ranks BBB < CCC < AAA on
// every date, and the one-day forward returns keep the same order, so a
// positive-direction factor puts AAA alone in the top group.
func happyMarket(t *testing.T) *series.Frame {
	t.Helper()
	dates := []string{
		"20240102", "20240102", "20240102",
		"20240103", "20240103", "20240103",
		"20240104", "20240104", "20240104",
	}
	symbols := []string{"AAA", "BBB", "CCC", "AAA", "BBB", "CCC", "AAA", "BBB", "CCC"}
	f, err := series.FromColumns(dates, symbols,
		map[string][]float64{
			"open":  {10, 20, 30, 10, 20, 30, 10, 20, 30},
			"close": {10.5, 20.2, 30.9, 11.0, 20.4, 31.8, 11.5, 20.6, 32.4},
		},
		map[string][]string{
			"name": {"Alpha Co", "Beta Co", "Gamma Co", "Alpha Co", "Beta Co", "Gamma Co", "Alpha Co", "Beta Co", "Gamma Co"},
		})
	require.NoError(t, err)
	return f
}

func testFactor(id, name string) *persistence.Factor {
	return &persistence.Factor{
		FactorID:   id,
		UserID:     "u1",
		FactorName: name,
		Name:       "Test Factor",
		Code:       "CLOSE / OPEN - 1",
		CodeType:   "formula",
		FactorType: "stock",
		Params: persistence.Params{
			StartDate:              "2024-01-02",
			EndDate:                "2024-01-04",
			AdjustmentCycle:        1,
			StockPool:              "000985",
			IncludeST:              true,
			FactorDirection:        "positive",
			GroupNumber:            2,
			ExtremeValueProcessing: "median",
		},
	}
}

func runnerConfig() config.RuntimeConfig {
	return config.RuntimeConfig{
		TaskWorkers:       2,
		TaskQueue:         8,
		ReadWorkers:       2,
		ChunksPerSecond:   1000,
		LogFlushInterval:  config.Duration(time.Hour),
		LogFlushThreshold: 50,
		LogDrainTimeout:   config.Duration(time.Second),
	}
}

type env struct {
	factors *fakeFactors
	tasks   *fakeTasks
	logs    *fakeLogs
	results *fakeResults
	market  *fakeMarket
	metrics *fakeTaskMetrics
	buf     *tasklog.Buffer
	runner  *Runner
}

func newEnv(t *testing.T, cfg config.RuntimeConfig, factors ...*persistence.Factor) *env {
	t.Helper()
	e := &env{
		factors: newFakeFactors(factors...),
		tasks:   newFakeTasks(),
		logs:    &fakeLogs{},
		results: newFakeResults(),
		market:  &fakeMarket{frame: happyMarket(t)},
		metrics: newFakeTaskMetrics(),
	}
	e.buf = tasklog.NewBuffer(e.logs, e.tasks, cfg, nil, zerolog.Nop())
	repo := persistence.Repository{
		Factors: e.factors,
		Tasks:   e.tasks,
		Logs:    e.logs,
		Results: e.results,
		Market:  e.market,
	}
	reader := marketdata.NewReader(e.market, e.factors, cfg, nil, zerolog.Nop())
	e.runner = NewRunner(repo, reader, e.buf, cfg, e.metrics, zerolog.Nop())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.runner.Shutdown(ctx)
		_ = e.buf.Shutdown(ctx)
	})
	return e
}

func (e *env) waitTerminal(t *testing.T, taskID string) persistence.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		tk, ok := e.tasks.snapshot(taskID)
		return ok && tk.Terminal()
	}, 5*time.Second, 5*time.Millisecond)
	tk, _ := e.tasks.snapshot(taskID)
	return tk
}

func TestSubmitRunsPipelineToCompletion(t *testing.T) {
	e := newEnv(t, runnerConfig(), testFactor("f1", "alpha"))

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)
	require.NotEmpty(t, taskID)

	tk := e.waitTerminal(t, taskID)
	require.Equal(t, persistence.TaskSucceeded, tk.Status)
	require.Equal(t, 9, tk.ProcessStatus)
	require.NotEmpty(t, tk.EndTime)
	require.Empty(t, tk.ErrorMessage)
	require.Equal(t, TaskType, tk.TaskType)
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, e.tasks.stageHistory(taskID))

	fc, ok := e.factors.snapshot("f1")
	require.True(t, ok)
	require.Equal(t, persistence.FactorSucceeded, fc.Status)
	require.Equal(t, taskID, fc.CurrentTaskID)

	b, ok := e.results.bundle(taskID)
	require.True(t, ok)
	// group_1, group_2, benchmark
	require.Len(t, b.OneGroupData, 3)
	require.Equal(t, "group_2", b.OneGroupData[1].Group)
	require.Equal(t, "benchmark", b.OneGroupData[2].Group)
	require.Greater(t, b.OneGroupData[1].CumulativeReturn, 0.08)
	require.NotEmpty(t, b.FactorDataAnalysis)

	// The last aligned date is 20240103: the final market date has no
	// forward return and drops out. AAA leads the cross section there.
	require.NotEmpty(t, b.LastDateTopFactor)
	require.Equal(t, "AAA", b.LastDateTopFactor[0].Symbol)
	require.Equal(t, "Alpha Co", b.LastDateTopFactor[0].Name)
	require.Equal(t, "20240103", b.LastDateTopFactor[0].Date)

	require.Equal(t, 1, e.metrics.starts)
	require.Equal(t, 1, e.metrics.ended("succeeded"))
	for _, stage := range []string{stageMarketData, stageFactorSeries, stagePreprocessing, stageForwardReturns, stageGrouping, stageStatistics, stagePersist, stageFinalize} {
		require.Equal(t, []string{"success"}, e.metrics.stageResults(stage), "stage %s", stage)
	}
}

func TestPipelineLogsStagesAndDetails(t *testing.T) {
	e := newEnv(t, runnerConfig(), testFactor("f1", "alpha"))

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)
	e.waitTerminal(t, taskID)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	require.NoError(t, e.buf.Shutdown(ctx))

	entries := e.logs.all()
	require.NotEmpty(t, entries)
	require.Equal(t, "factor evaluation started", entries[0].Message)
	require.Equal(t, tasklog.LevelInfo, entries[0].Level)
	require.Equal(t, 1, entries[0].Stage)

	var sawCycleDetail, sawComplete bool
	for _, en := range entries {
		if en.Stage == 1 && en.Level == tasklog.LevelDebug && en.Message == "cycle: 1" {
			sawCycleDetail = true
		}
		if en.Message == "factor evaluation complete" {
			sawComplete = true
			require.Equal(t, 9, en.Stage)
			require.Equal(t, tasklog.LevelInfo, en.Level)
		}
	}
	require.True(t, sawCycleDetail, "stage 1 parameter details should explode into debug entries")
	require.True(t, sawComplete)
}

func TestSubmitRejectsInvalidParams(t *testing.T) {
	f := testFactor("f1", "alpha")
	f.Params.AdjustmentCycle = 7
	e := newEnv(t, runnerConfig(), f)

	_, err := e.runner.Submit(context.Background(), "f1")
	require.Error(t, err)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
	require.Zero(t, e.tasks.count(), "a rejected submission must not create a task")

	fc, _ := e.factors.snapshot("f1")
	require.Equal(t, persistence.FactorIdle, fc.Status)
}

func TestSubmitRejectsInvalidCode(t *testing.T) {
	f := testFactor("f1", "alpha")
	f.Code = "CLOSE +"
	e := newEnv(t, runnerConfig(), f)

	_, err := e.runner.Submit(context.Background(), "f1")
	require.Error(t, err)
	require.Equal(t, errs.KindValidation, errs.KindOf(err))
	require.Zero(t, e.tasks.count())
}

func TestSubmitUnknownFactor(t *testing.T) {
	e := newEnv(t, runnerConfig())

	_, err := e.runner.Submit(context.Background(), "missing")
	require.Error(t, err)
	require.Equal(t, errs.KindDataAvailability, errs.KindOf(err))
}

func TestSubmitFreezesNormalizedParams(t *testing.T) {
	f := testFactor("f1", "alpha")
	f.Params.ExtremeValueProcessing = "标准差"
	f.Params.FactorDirection = "正向"
	e := newEnv(t, runnerConfig(), f)

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)

	tk, ok := e.tasks.snapshot(taskID)
	require.True(t, ok)
	require.Equal(t, "std", tk.Params.ExtremeValueProcessing)
	require.Equal(t, "positive", tk.Params.FactorDirection)

	// The factor record keeps the user's original spelling.
	fc, _ := e.factors.snapshot("f1")
	require.Equal(t, "标准差", fc.Params.ExtremeValueProcessing)

	e.waitTerminal(t, taskID)
}

func TestTaskFailsWhenMarketReadFails(t *testing.T) {
	e := newEnv(t, runnerConfig(), testFactor("f1", "alpha"))
	e.market.setErr(errs.Transportf(nil, "store unavailable"))

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)

	tk := e.waitTerminal(t, taskID)
	require.Equal(t, persistence.TaskFailed, tk.Status)
	require.Equal(t, persistence.ProcessFailed, tk.ProcessStatus)
	require.Contains(t, tk.ErrorMessage, "store unavailable")
	require.NotEmpty(t, tk.EndTime)
	require.Equal(t, []int{1, 2}, e.tasks.stageHistory(taskID))
	require.Zero(t, e.results.count(), "a failed task writes no bundle")

	fc, _ := e.factors.snapshot("f1")
	require.Equal(t, persistence.FactorFailed, fc.Status)
	require.Equal(t, taskID, fc.CurrentTaskID)

	// The error entry is flushed synchronously by severity.
	entries := e.logs.all()
	require.NotEmpty(t, entries)
	last := entries[len(entries)-1]
	require.Equal(t, tasklog.LevelError, last.Level)
	require.Equal(t, 2, last.Stage)
	require.Contains(t, last.Message, "store unavailable")

	require.Equal(t, 1, e.metrics.ended("failed"))
}

func TestPanicBecomesComputationFailure(t *testing.T) {
	e := newEnv(t, runnerConfig(), testFactor("f1", "alpha"), testFactor("f2", "beta"))
	e.market.setExistsPanic(true)

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)

	tk := e.waitTerminal(t, taskID)
	require.Equal(t, persistence.TaskFailed, tk.Status)
	require.Contains(t, tk.ErrorMessage, "factor evaluation panicked")
	require.Contains(t, tk.ErrorMessage, "collection listing exploded")
	require.Equal(t, []int{1, 2, 3}, e.tasks.stageHistory(taskID))

	// The worker survived the panic and still runs tasks.
	e.market.setExistsPanic(false)
	taskID2, err := e.runner.Submit(context.Background(), "f2")
	require.NoError(t, err)
	tk2 := e.waitTerminal(t, taskID2)
	require.Equal(t, persistence.TaskSucceeded, tk2.Status)
}

func TestAllNaNFactorStillSucceeds(t *testing.T) {
	f := testFactor("f1", "alpha")
	// The log of a negative price is NaN on every row; standardization
	// turns the all-NaN cross sections into zeros and the pipeline runs
	// through to a flat bundle.
	f.Code = "LOG(0 - CLOSE)"
	e := newEnv(t, runnerConfig(), f)

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)

	tk := e.waitTerminal(t, taskID)
	require.Equal(t, persistence.TaskSucceeded, tk.Status)
	require.Equal(t, 9, tk.ProcessStatus)

	b, ok := e.results.bundle(taskID)
	require.True(t, ok)
	require.Len(t, b.OneGroupData, 3)
}

func TestConcurrentTasksAllSucceed(t *testing.T) {
	cfg := runnerConfig()
	cfg.TaskWorkers = 4
	names := []string{"a1", "a2", "a3", "a4", "a5", "a6", "a7", "a8"}
	factors := make([]*persistence.Factor, len(names))
	for i, n := range names {
		factors[i] = testFactor("f"+n, n)
	}
	e := newEnv(t, cfg, factors...)

	ids := make([]string, len(names))
	for i, n := range names {
		id, err := e.runner.Submit(context.Background(), "f"+n)
		require.NoError(t, err, "submit %s", n)
		ids[i] = id
	}

	for _, id := range ids {
		tk := e.waitTerminal(t, id)
		require.Equal(t, persistence.TaskSucceeded, tk.Status, "task %s", id)
		require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, e.tasks.stageHistory(id))
	}
	require.Equal(t, len(names), e.results.count())
	require.Equal(t, len(names), e.metrics.ended("succeeded"))
}

func TestSubmitRejectsWhenQueueFull(t *testing.T) {
	cfg := runnerConfig()
	cfg.TaskWorkers = 1
	cfg.TaskQueue = 1
	e := newEnv(t, cfg, testFactor("f1", "a1"), testFactor("f2", "a2"), testFactor("f3", "a3"))

	gate := make(chan struct{})
	e.market.mu.Lock()
	e.market.gate = gate
	e.market.mu.Unlock()

	id1, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)
	// Wait for the single worker to pick the task up and block in the
	// market read so the next submission stays queued.
	require.Eventually(t, func() bool { return e.market.calls() >= 1 }, 2*time.Second, 5*time.Millisecond)

	id2, err := e.runner.Submit(context.Background(), "f2")
	require.NoError(t, err)

	_, err = e.runner.Submit(context.Background(), "f3")
	require.Error(t, err)
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
	require.True(t, strings.Contains(err.Error(), "queue is full"))
	require.Equal(t, 2, e.tasks.count(), "a saturated queue admits no new task")

	close(gate)
	require.Equal(t, persistence.TaskSucceeded, e.waitTerminal(t, id1).Status)
	require.Equal(t, persistence.TaskSucceeded, e.waitTerminal(t, id2).Status)
}

func TestShutdownDrainsQueuedTasks(t *testing.T) {
	e := newEnv(t, runnerConfig(), testFactor("f1", "alpha"))

	taskID, err := e.runner.Submit(context.Background(), "f1")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, e.runner.Shutdown(ctx))

	tk, ok := e.tasks.snapshot(taskID)
	require.True(t, ok)
	require.Equal(t, persistence.TaskSucceeded, tk.Status)

	_, err = e.runner.Submit(context.Background(), "f1")
	require.Error(t, err)
	require.Equal(t, errs.KindTransport, errs.KindOf(err))
}

func TestAlignFramesRejectsCollidingName(t *testing.T) {
	market := happyMarket(t)
	factor, err := series.FromColumns(
		[]string{"20240102"}, []string{"AAA"},
		map[string][]float64{"close": {1}}, nil)
	require.NoError(t, err)

	_, err = alignFrames(market, factor, "close", 1)
	require.Error(t, err)
	require.Equal(t, errs.KindComputation, errs.KindOf(err))
}
