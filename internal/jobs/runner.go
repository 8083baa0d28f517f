// Package jobs is the asynchronous evaluation runtime. Submit validates a
// factor's parameters and code, freezes them onto a new task record, and
// hands the task to a bounded worker pool; workers walk the staged
// pipeline (market window, factor series, preprocessing, forward returns,
// grouping, statistics, bundle persist) and settle the task's terminal
// state. Submission never runs pipeline work inline.
package jobs

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/engine"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/marketdata"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/series"
	"github.com/factorlab/factorlab/internal/tasklog"
)

// TaskType tags every record the runner creates.
const TaskType = "factor_analysis"

// Stage labels reported to the duration histogram.
const (
	stageMarketData     = "market_data"
	stageFactorSeries   = "factor_series"
	stagePreprocessing  = "preprocessing"
	stageForwardReturns = "forward_returns"
	stageGrouping       = "grouping"
	stageStatistics     = "statistics"
	stagePersist        = "persist"
	stageFinalize       = "finalize"
)

// TaskMetrics records runtime outcomes. Implemented by the HTTP layer's
// metrics registry; nil disables recording.
type TaskMetrics interface {
	RecordTaskStart()
	RecordTaskEnd(status string)
	RecordStage(stage, result string, seconds float64)
}

// job pairs the frozen task record with the factor definition it came
// from.
type job struct {
	task   *persistence.Task
	factor *persistence.Factor
}

// Runner owns the task queue and its workers. Independent tasks run in
// parallel; within one task the stages are strictly sequential. There is
// no cancellation: a submitted task either succeeds or fails.
type Runner struct {
	repo    persistence.Repository
	reader  *marketdata.Reader
	buf     *tasklog.Buffer
	metrics TaskMetrics
	log     zerolog.Logger

	queue chan job
	wg    sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

// NewRunner builds a runner and starts its workers. metrics may be nil.
func NewRunner(repo persistence.Repository, reader *marketdata.Reader, buf *tasklog.Buffer, cfg config.RuntimeConfig, metrics TaskMetrics, log zerolog.Logger) *Runner {
	workers := cfg.TaskWorkers
	if workers <= 0 {
		workers = 4
	}
	depth := cfg.TaskQueue
	if depth <= 0 {
		depth = 64
	}
	r := &Runner{
		repo:    repo,
		reader:  reader,
		buf:     buf,
		metrics: metrics,
		log:     log,
		queue:   make(chan job, depth),
	}
	for i := 0; i < workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	return r
}

// Submit admits one evaluation: it loads the factor, validates parameters
// and code, inserts the task record, points the factor at it, and
// enqueues the work. The task id returns immediately; a validation
// failure creates no task.
func (r *Runner) Submit(ctx context.Context, factorID string) (string, error) {
	f, err := r.repo.Factors.Get(ctx, factorID)
	if err != nil {
		return "", err
	}
	params, err := NormalizeParams(f.Params)
	if err != nil {
		return "", err
	}
	dialect, err := engine.ParseDialect(f.CodeType)
	if err != nil {
		return "", err
	}
	if err := engine.Validate(f.Code, dialect); err != nil {
		return "", err
	}
	if err := r.admit(); err != nil {
		return "", err
	}

	now := persistence.NowString()
	t := &persistence.Task{
		TaskID:        persistence.NewID(),
		FactorID:      factorID,
		UserID:        f.UserID,
		FactorName:    f.FactorName,
		TaskType:      TaskType,
		Params:        params,
		Status:        persistence.TaskRunning,
		ProcessStatus: 0,
		StartTime:     now,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := r.repo.Tasks.Insert(ctx, t); err != nil {
		return "", err
	}
	if err := r.repo.Factors.SetStatus(ctx, factorID, persistence.FactorRunning, t.TaskID); err != nil {
		r.settleFailed(ctx, t, "factor status update failed at submission")
		return "", err
	}
	if err := r.enqueue(job{task: t, factor: f}); err != nil {
		r.settleFailed(ctx, t, err.Error())
		return "", err
	}
	r.log.Info().
		Str("task_id", t.TaskID).
		Str("factor_id", factorID).
		Str("factor", f.FactorName).
		Msg("task accepted")
	return t.TaskID, nil
}

// Shutdown stops intake and waits for queued and running tasks to finish.
// Tasks are never canceled; the wait is bounded by ctx.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// admit rejects new work before any records are written.
func (r *Runner) admit() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.Transportf(nil, "job runtime is shutting down")
	}
	if len(r.queue) == cap(r.queue) {
		return errs.Transportf(nil, "job queue is full, retry later")
	}
	return nil
}

// enqueue hands the job to the pool without blocking. Capacity is checked
// again under the lock: it can vanish between admit and here.
func (r *Runner) enqueue(j job) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return errs.Transportf(nil, "job runtime is shutting down")
	}
	select {
	case r.queue <- j:
		return nil
	default:
		return errs.Transportf(nil, "job queue is full, retry later")
	}
}

func (r *Runner) worker() {
	defer r.wg.Done()
	for j := range r.queue {
		r.execute(j)
	}
}

// execute runs one task start to finish and settles its terminal state.
func (r *Runner) execute(j job) {
	ctx := context.Background()
	if r.metrics != nil {
		r.metrics.RecordTaskStart()
	}
	began := time.Now()
	stage, err := r.pipeline(ctx, j)
	if err != nil {
		msg := err.Error()
		r.buf.Add(j.task.TaskID, j.task.FactorID, stage, tasklog.LevelError, msg, nil)
		r.settleFailed(ctx, j.task, msg)
		if r.metrics != nil {
			r.metrics.RecordTaskEnd("failed")
		}
		r.log.Warn().
			Err(err).
			Str("task_id", j.task.TaskID).
			Int("stage", stage).
			Msg("task failed")
		return
	}
	if r.metrics != nil {
		r.metrics.RecordTaskEnd("succeeded")
	}
	r.log.Info().
		Str("task_id", j.task.TaskID).
		Str("factor", j.task.FactorName).
		Dur("took", time.Since(began)).
		Msg("task succeeded")
}

// settleFailed writes the terminal failure onto the task and mirrors it
// onto the factor. Both writes are best effort: a terminal record never
// mutates again, and a dead store will have failed the pipeline already.
func (r *Runner) settleFailed(ctx context.Context, t *persistence.Task, reason string) {
	if err := r.repo.Tasks.MarkFailed(ctx, t.TaskID, reason, persistence.NowString()); err != nil {
		r.log.Error().Err(err).Str("task_id", t.TaskID).Msg("could not mark task failed")
	}
	if err := r.repo.Factors.SetStatus(ctx, t.FactorID, persistence.FactorFailed, t.TaskID); err != nil {
		r.log.Error().Err(err).Str("factor_id", t.FactorID).Msg("could not mirror failure onto factor")
	}
}

// pipeline walks the staged evaluation for one task and reports the stage
// that was executing when an error occurred. Panics are recovered into
// computation errors so a bad evaluation never kills its worker.
func (r *Runner) pipeline(ctx context.Context, j job) (stage int, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = errs.New(errs.KindComputation, fmt.Sprintf("factor evaluation panicked: %v", p))
		}
	}()

	t := j.task
	p := t.Params
	factorCol := t.FactorName
	start := strings.ReplaceAll(p.StartDate, "-", "")
	end := strings.ReplaceAll(p.EndDate, "-", "")

	marketType := persistence.MarketStock
	if j.factor.FactorType == string(persistence.MarketFuture) {
		marketType = persistence.MarketFuture
	}

	stage = 1
	if err = r.repo.Tasks.AdvanceStage(ctx, t.TaskID, 1); err != nil {
		return stage, err
	}
	r.buf.Add(t.TaskID, t.FactorID, 1, tasklog.LevelInfo, "factor evaluation started", map[string]string{
		"start_date": p.StartDate,
		"end_date":   p.EndDate,
		"cycle":      strconv.Itoa(p.AdjustmentCycle),
		"pool":       p.StockPool,
		"groups":     strconv.Itoa(p.GroupNumber),
		"method":     p.ExtremeValueProcessing,
		"direction":  p.FactorDirection,
	})

	stage = 2
	if err = r.enter(ctx, t, 2, "loading market data", nil); err != nil {
		return stage, err
	}
	fields := []string{"open", "close", "name"}
	if marketType == persistence.MarketFuture {
		fields = []string{"open", "close"}
	}
	begin := time.Now()
	market, err := r.reader.Market(ctx, marketdata.Query{
		Start:      start,
		End:        end,
		Pool:       p.StockPool,
		IncludeST:  p.IncludeST,
		Fields:     fields,
		MarketType: marketType,
	})
	r.observe(stageMarketData, begin, err)
	if err != nil {
		return stage, err
	}
	if market.Len() == 0 {
		return stage, errs.NoDataf("no market data for %s..%s in pool %s", p.StartDate, p.EndDate, p.StockPool)
	}
	market.SortByDateSymbol()
	r.buf.Add(t.TaskID, t.FactorID, 2, tasklog.LevelDebug, "market window loaded", map[string]string{
		"rows":    strconv.Itoa(market.Len()),
		"symbols": strconv.Itoa(len(market.DistinctSymbols())),
	})

	stage = 3
	if err = r.enter(ctx, t, 3, "loading factor series", nil); err != nil {
		return stage, err
	}
	begin = time.Now()
	factorFrame, err := r.reader.CustomFactor(ctx, t.UserID, t.FactorName, start, end)
	r.observe(stageFactorSeries, begin, err)
	if err != nil {
		return stage, err
	}
	if factorFrame.Len() == 0 {
		return stage, errs.NoDataf("factor %s has no values in %s..%s", t.FactorName, p.StartDate, p.EndDate)
	}
	if !factorFrame.HasFloat(factorCol) {
		return stage, errs.NoDataf("factor series for %s carries no %q column", t.FactorName, factorCol)
	}
	r.buf.Add(t.TaskID, t.FactorID, 3, tasklog.LevelDebug, "factor series loaded", map[string]string{
		"rows": strconv.Itoa(factorFrame.Len()),
	})

	stage = 4
	method, err := analysis.ParseTrimMethod(p.ExtremeValueProcessing)
	if err != nil {
		return stage, err
	}
	if err = r.enter(ctx, t, 4, "preprocessing factor values", map[string]string{"method": string(method)}); err != nil {
		return stage, err
	}
	begin = time.Now()
	err = analysis.Standardize(factorFrame, factorCol, method)
	r.observe(stagePreprocessing, begin, err)
	if err != nil {
		return stage, err
	}

	stage = 5
	if err = r.enter(ctx, t, 5, "aligning forward returns", map[string]string{"cycle": strconv.Itoa(p.AdjustmentCycle)}); err != nil {
		return stage, err
	}
	begin = time.Now()
	merged, err := alignFrames(market, factorFrame, factorCol, p.AdjustmentCycle)
	r.observe(stageForwardReturns, begin, err)
	if err != nil {
		return stage, err
	}
	r.buf.Add(t.TaskID, t.FactorID, 5, tasklog.LevelDebug, "frames aligned", map[string]string{
		"rows": strconv.Itoa(merged.Len()),
	})

	stage = 6
	dir, err := analysis.ParseDirection(p.FactorDirection)
	if err != nil {
		return stage, err
	}
	if err = r.enter(ctx, t, 6, "grouping cross sections", map[string]string{"groups": strconv.Itoa(p.GroupNumber)}); err != nil {
		return stage, err
	}
	begin = time.Now()
	err = analysis.AssignGroups(merged, factorCol, p.GroupNumber, dir)
	r.observe(stageGrouping, begin, err)
	if err != nil {
		return stage, err
	}

	stage = 7
	if err = r.enter(ctx, t, 7, "computing statistics", nil); err != nil {
		return stage, err
	}
	begin = time.Now()
	bundle, err := analysis.BuildBundle(merged, analysis.Params{
		FactorCol: factorCol,
		Cycle:     p.AdjustmentCycle,
		Groups:    p.GroupNumber,
		Direction: dir,
	}, nil)
	r.observe(stageStatistics, begin, err)
	if err != nil {
		return stage, err
	}

	stage = 8
	if err = r.enter(ctx, t, 8, "persisting result bundle", nil); err != nil {
		return stage, err
	}
	begin = time.Now()
	err = r.repo.Results.Insert(ctx, t.TaskID, bundle)
	r.observe(stagePersist, begin, err)
	if err != nil {
		return stage, err
	}

	// The bundle is durable; the 9/succeeded transition makes it visible.
	stage = 9
	if err = r.repo.Tasks.AdvanceStage(ctx, t.TaskID, 9); err != nil {
		return stage, err
	}
	r.buf.Add(t.TaskID, t.FactorID, 9, tasklog.LevelInfo, "factor evaluation complete", nil)
	begin = time.Now()
	err = r.finalize(ctx, t)
	r.observe(stageFinalize, begin, err)
	if err != nil {
		return stage, err
	}
	return stage, nil
}

// enter writes the stage transition and its banner log entry.
func (r *Runner) enter(ctx context.Context, t *persistence.Task, stage int, banner string, details map[string]string) error {
	if err := r.repo.Tasks.AdvanceStage(ctx, t.TaskID, stage); err != nil {
		return err
	}
	r.buf.Add(t.TaskID, t.FactorID, stage, tasklog.LevelDebug, banner, details)
	return nil
}

// finalize flips the task and its factor to succeeded.
func (r *Runner) finalize(ctx context.Context, t *persistence.Task) error {
	if err := r.repo.Tasks.MarkSucceeded(ctx, t.TaskID, persistence.NowString()); err != nil {
		return err
	}
	return r.repo.Factors.SetStatus(ctx, t.FactorID, persistence.FactorSucceeded, t.TaskID)
}

func (r *Runner) observe(stage string, begin time.Time, err error) {
	if r.metrics == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "error"
	}
	r.metrics.RecordStage(stage, result, time.Since(begin).Seconds())
}

// alignFrames computes forward returns over the full market window,
// inner-joins the factor series on (date, symbol), and drops rows missing
// either a factor value or a forward return. Returns are attached before
// the join so gaps in the factor series cannot stretch the return window.
func alignFrames(market, factor *series.Frame, factorCol string, cycle int) (*series.Frame, error) {
	if market.HasFloat(factorCol) || market.HasStr(factorCol) {
		return nil, errs.New(errs.KindComputation, fmt.Sprintf("factor name %q collides with a market column", factorCol))
	}
	if err := analysis.AttachForwardReturns(market, cycle); err != nil {
		return nil, err
	}
	merged := series.Merge(market, factor)
	return analysis.DropInvalid(merged, factorCol, cycle)
}
