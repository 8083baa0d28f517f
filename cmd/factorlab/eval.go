package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/cache"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/infrastructure/db"
	"github.com/factorlab/factorlab/internal/jobs"
	"github.com/factorlab/factorlab/internal/marketdata"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/service"
	"github.com/factorlab/factorlab/internal/tasklog"
)

var (
	evalFile     string
	evalFactorID string
	evalTimeout  time.Duration
)

var evalCmd = &cobra.Command{
	Use:   "eval",
	Short: "Evaluate one factor and print the result tables",
	Long: `Runs the full evaluation pipeline without the API server: stores the
definition when one is given as a YAML file, submits the task, prints the
log stream and the summary tables, and exits non-zero when the evaluation
fails. Exactly one of --file and --factor selects the factor.`,
	RunE: runEval,
}

func init() {
	evalCmd.Flags().StringVar(&evalFile, "file", "", "YAML factor definition to store (or update) and evaluate")
	evalCmd.Flags().StringVar(&evalFactorID, "factor", "", "id of an already stored factor to evaluate")
	evalCmd.Flags().DurationVar(&evalTimeout, "timeout", 10*time.Minute, "abort waiting after this long")
}

const evalPollInterval = 500 * time.Millisecond

// factorDoc is the YAML shape accepted by --file. It mirrors the create
// request body, params included.
type factorDoc struct {
	UserID     string   `yaml:"user_id"`
	FactorName string   `yaml:"factor_name"`
	Name       string   `yaml:"name"`
	Code       string   `yaml:"code"`
	CodeType   string   `yaml:"code_type"`
	FactorType string   `yaml:"factor_type"`
	Describe   string   `yaml:"describe"`
	Tags       []string `yaml:"tags"`
	Params     struct {
		StartDate              string `yaml:"start_date"`
		EndDate                string `yaml:"end_date"`
		AdjustmentCycle        int    `yaml:"adjustment_cycle"`
		StockPool              string `yaml:"stock_pool"`
		IncludeST              bool   `yaml:"include_st"`
		FactorDirection        string `yaml:"factor_direction"`
		GroupNumber            int    `yaml:"group_number"`
		ExtremeValueProcessing string `yaml:"extreme_value_processing"`
	} `yaml:"params"`
}

func (d *factorDoc) input() service.FactorInput {
	return service.FactorInput{
		UserID:     d.UserID,
		FactorName: d.FactorName,
		Name:       d.Name,
		Code:       d.Code,
		CodeType:   d.CodeType,
		FactorType: d.FactorType,
		Describe:   d.Describe,
		Tags:       d.Tags,
		Params: persistence.Params{
			StartDate:              d.Params.StartDate,
			EndDate:                d.Params.EndDate,
			AdjustmentCycle:        d.Params.AdjustmentCycle,
			StockPool:              d.Params.StockPool,
			IncludeST:              d.Params.IncludeST,
			FactorDirection:        d.Params.FactorDirection,
			GroupNumber:            d.Params.GroupNumber,
			ExtremeValueProcessing: d.Params.ExtremeValueProcessing,
		},
	}
}

func runEval(cmd *cobra.Command, args []string) error {
	if (evalFile == "") == (evalFactorID == "") {
		return fmt.Errorf("exactly one of --file and --factor is required")
	}

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.Log)

	ctx, cancel := context.WithTimeout(cmd.Context(), evalTimeout)
	defer cancel()

	manager, err := db.NewManager(ctx, cfg.Mongo)
	if err != nil {
		return fmt.Errorf("store connection failed: %w", err)
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = manager.Close(closeCtx)
	}()

	// One worker is enough for a single synchronous run.
	rt := cfg.Runtime
	rt.TaskWorkers = 1

	repo := *manager.Repository()
	buffer := tasklog.NewBuffer(repo.Logs, repo.Tasks, rt, nil, logger)
	reader := marketdata.NewReader(repo.Market, repo.Factors, rt, nil, logger)
	runner := jobs.NewRunner(repo, reader, buffer, rt, nil, logger)
	chartCache := cache.NewAuto(cfg.Cache, logger)
	defer func() { _ = chartCache.Close() }()
	svc := service.New(repo, runner, chartCache, cfg.Cache, nil, logger)

	factorID := evalFactorID
	if evalFile != "" {
		factorID, err = upsertFactor(ctx, svc, repo, evalFile)
		if err != nil {
			return err
		}
	}

	taskID, err := svc.RunFactor(ctx, factorID)
	if err != nil {
		return err
	}
	fmt.Printf("task %s submitted for factor %s\n", taskID, factorID)

	st, cursor, err := followTask(ctx, svc, taskID)
	if err != nil {
		return err
	}

	// Flushing the buffer surfaces entries written during teardown, so
	// drain the log stream once more before reporting the outcome.
	drainCtx, drainCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer drainCancel()
	if err := runner.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("task runner shutdown incomplete")
	}
	if err := buffer.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Msg("log buffer drain incomplete")
	}
	if page, err := svc.GetTaskLogs(drainCtx, taskID, cursor); err == nil {
		printLogs(page.Logs)
	}

	if st.Status == persistence.TaskSucceeded {
		fmt.Printf("evaluation succeeded: task %s finished at %s\n", taskID, st.EndTime)
		if err := printSummary(drainCtx, svc, taskID); err != nil {
			logger.Warn().Err(err).Msg("summary tables unavailable")
		}
		return nil
	}
	if st.ErrorMessage != "" {
		return fmt.Errorf("evaluation failed: %s", st.ErrorMessage)
	}
	return fmt.Errorf("evaluation failed: task %s ended with status %d", taskID, st.Status)
}

// upsertFactor loads the YAML definition and stores it, updating in place
// when the (user, name) pair already exists so repeated runs of the same
// file keep a single definition.
func upsertFactor(ctx context.Context, svc *service.Service, repo persistence.Repository, path string) (string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("read factor definition: %w", err)
	}
	var doc factorDoc
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return "", fmt.Errorf("parse factor definition %s: %w", path, err)
	}
	in := doc.input()

	id, err := svc.CreateFactor(ctx, in)
	if err == nil {
		fmt.Printf("factor %s created from %s\n", id, path)
		return id, nil
	}
	if !errs.IsKind(err, errs.KindConflict) {
		return "", err
	}
	existing, err := repo.Factors.GetByName(ctx, in.UserID, in.FactorName)
	if err != nil {
		return "", err
	}
	if err := svc.UpdateFactor(ctx, existing.FactorID, in); err != nil {
		return "", err
	}
	fmt.Printf("factor %s updated from %s\n", existing.FactorID, path)
	return existing.FactorID, nil
}

// followTask polls the task until it reaches a terminal state, printing
// new log lines as they arrive. It returns the final status and the log
// cursor reached so the caller can drain the remainder.
func followTask(ctx context.Context, svc *service.Service, taskID string) (*service.TaskStatus, string, error) {
	ticker := time.NewTicker(evalPollInterval)
	defer ticker.Stop()

	cursor := ""
	for {
		page, err := svc.GetTaskLogs(ctx, taskID, cursor)
		if err == nil && len(page.Logs) > 0 {
			printLogs(page.Logs)
			cursor = page.LastLogID
		}

		st, err := svc.GetTaskStatus(ctx, taskID)
		if err != nil {
			return nil, cursor, err
		}
		if st.Status != persistence.TaskRunning || st.ProcessStatus == persistence.ProcessFailed {
			return st, cursor, nil
		}

		select {
		case <-ctx.Done():
			return nil, cursor, fmt.Errorf("timed out waiting for task %s: %w", taskID, ctx.Err())
		case <-ticker.C:
		}
	}
}

func printLogs(lines []service.LogLine) {
	for _, l := range lines {
		fmt.Printf("%s %-5s %s\n", l.Timestamp, strings.ToUpper(l.LogLevel), l.Message)
	}
}

// printSummary renders the indicator and group tables from the stored
// result bundle, the same projections the chart endpoints serve.
func printSummary(ctx context.Context, svc *service.Service, taskID string) error {
	raw, err := svc.GetBundleField(ctx, taskID, service.FieldAnalysis)
	if err != nil {
		return err
	}
	var indicators []analysis.IndicatorRow
	if err := json.Unmarshal(raw, &indicators); err != nil {
		return fmt.Errorf("decode indicator table: %w", err)
	}

	raw, err = svc.GetBundleField(ctx, taskID, service.FieldGroups)
	if err != nil {
		return err
	}
	var groups []analysis.GroupRow
	if err := json.Unmarshal(raw, &groups); err != nil {
		return fmt.Errorf("decode group table: %w", err)
	}

	fmt.Printf("\n%-16s %10s %10s\n", "indicator", "ic", "rank_ic")
	for _, row := range indicators {
		fmt.Printf("%-16s %10.4f %10.4f\n", row.Indicator, row.IC, row.RankIC)
	}

	fmt.Printf("\n%-12s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"group", "cum_ret", "annual", "sharpe", "max_dd", "win_rate", "turnover", "excess", "info_ratio")
	for _, row := range groups {
		fmt.Printf("%-12s %10.4f %10.4f %10.4f %10.4f %10.4f %10.4f %10.4f %10.4f\n",
			row.Group, row.CumulativeReturn, row.AnnualReturn, row.Sharpe,
			row.MaxDrawdown, row.MonthlyWinRate, row.Turnover, row.ExcessReturn, row.InfoRatio)
	}
	return nil
}
