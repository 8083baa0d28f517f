package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/cache"
	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// fakeFactorStore keeps factors in insertion order so list tests are
// deterministic.
type fakeFactorStore struct {
	mu     sync.Mutex
	byID   map[string]*persistence.Factor
	order  []string
	nextID int
}

func newFakeFactorStore() *fakeFactorStore {
	return &fakeFactorStore{byID: make(map[string]*persistence.Factor)}
}

func (f *fakeFactorStore) Create(ctx context.Context, fc *persistence.Factor) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		ex := f.byID[id]
		if ex.UserID == fc.UserID && ex.FactorName == fc.FactorName {
			return "", errs.Conflictf("factor %q already exists for user %s", fc.FactorName, fc.UserID)
		}
	}
	f.nextID++
	id := fmt.Sprintf("f%04d", f.nextID)
	cp := *fc
	cp.FactorID = id
	f.byID[id] = &cp
	f.order = append(f.order, id)
	return id, nil
}

func (f *fakeFactorStore) Update(ctx context.Context, fc *persistence.Factor) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[fc.FactorID]; !ok {
		return errs.NoDataf("factor %s not found", fc.FactorID)
	}
	cp := *fc
	f.byID[fc.FactorID] = &cp
	return nil
}

func (f *fakeFactorStore) Delete(ctx context.Context, factorID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.byID[factorID]; !ok {
		return errs.NoDataf("factor %s not found", factorID)
	}
	delete(f.byID, factorID)
	for i, id := range f.order {
		if id == factorID {
			f.order = append(f.order[:i], f.order[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeFactorStore) Get(ctx context.Context, factorID string) (*persistence.Factor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	fc, ok := f.byID[factorID]
	if !ok {
		return nil, errs.NoDataf("factor %s not found", factorID)
	}
	cp := *fc
	return &cp, nil
}

func (f *fakeFactorStore) GetByName(ctx context.Context, userID, factorName string) (*persistence.Factor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		fc := f.byID[id]
		if fc.UserID == userID && fc.FactorName == factorName {
			cp := *fc
			return &cp, nil
		}
	}
	return nil, errs.NoDataf("factor %q not found for user %s", factorName, userID)
}

func (f *fakeFactorStore) ListByUser(ctx context.Context, userID string) ([]persistence.Factor, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.Factor
	for _, id := range f.order {
		if f.byID[id].UserID == userID {
			out = append(out, *f.byID[id])
		}
	}
	return out, nil
}

func (f *fakeFactorStore) SetStatus(ctx context.Context, factorID string, status int, currentTaskID string) error {
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

// mutate edits a stored record in place, for seeding test state.
func (f *fakeFactorStore) mutate(factorID string, fn func(*persistence.Factor)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if fc, ok := f.byID[factorID]; ok {
		fn(fc)
	}
}

type fakeTaskStore struct {
	mu   sync.Mutex
	byID map[string]*persistence.Task
}

func newFakeTaskStore() *fakeTaskStore {
	return &fakeTaskStore{byID: make(map[string]*persistence.Task)}
}

func (f *fakeTaskStore) put(t persistence.Task) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.byID[t.TaskID] = &t
}

func (f *fakeTaskStore) Insert(ctx context.Context, t *persistence.Task) error {
	f.put(*t)
	return nil
}

func (f *fakeTaskStore) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.byID[taskID]
	if !ok {
		return nil, errs.NoDataf("task %s not found", taskID)
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTaskStore) AdvanceStage(ctx context.Context, taskID string, stage int) error {
	return errs.Internalf("not implemented")
}
func (f *fakeTaskStore) MarkSucceeded(ctx context.Context, taskID, endTime string) error {
	return errs.Internalf("not implemented")
}
func (f *fakeTaskStore) MarkFailed(ctx context.Context, taskID, errorMessage, endTime string) error {
	return errs.Internalf("not implemented")
}
func (f *fakeTaskStore) SetLastLog(ctx context.Context, taskID, message, timestamp, level string, stage int) error {
	return errs.Internalf("not implemented")
}

// fakeLogStore orders entries by a zero-padded ordinal, mirroring the
// store's monotone ids.
type fakeLogStore struct {
	mu      sync.Mutex
	entries []persistence.LogEntry
	next    int
}

func (f *fakeLogStore) Append(ctx context.Context, entries []persistence.LogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, e := range entries {
		f.next++
		e.Ordinal = fmt.Sprintf("%06d", f.next)
		f.entries = append(f.entries, e)
	}
	return nil
}

func (f *fakeLogStore) Tail(ctx context.Context, taskID, afterOrdinal string, limit int) ([]persistence.LogEntry, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []persistence.LogEntry
	high := afterOrdinal
	for _, e := range f.entries {
		if e.TaskID != taskID || e.Ordinal <= afterOrdinal {
			continue
		}
		out = append(out, e)
		high = e.Ordinal
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, high, nil
}

type fakeResultStore struct {
	mu         sync.Mutex
	bundles    map[string]*analysis.Bundle
	fieldReads int
}

func newFakeResultStore() *fakeResultStore {
	return &fakeResultStore{bundles: make(map[string]*analysis.Bundle)}
}

func (f *fakeResultStore) put(taskID string, b *analysis.Bundle) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bundles[taskID] = b
}

func (f *fakeResultStore) Insert(ctx context.Context, taskID string, b *analysis.Bundle) error {
	f.put(taskID, b)
	return nil
}

func (f *fakeResultStore) Get(ctx context.Context, taskID string) (*analysis.Bundle, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.bundles[taskID]
	if !ok {
		return nil, errs.NoDataf("no result bundle for task %s", taskID)
	}
	return b, nil
}

// GetField projects through a JSON round trip, the same field names the
// store would use.
func (f *fakeResultStore) GetField(ctx context.Context, taskID, field string) (interface{}, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fieldReads++
	b, ok := f.bundles[taskID]
	if !ok {
		return nil, errs.NoDataf("no result bundle for task %s", taskID)
	}
	data, err := json.Marshal(b)
	if err != nil {
		return nil, errs.Internalf("marshal bundle: %v", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, errs.Internalf("unmarshal bundle: %v", err)
	}
	v, ok := doc[field]
	if !ok {
		return nil, errs.NoDataf("result bundle for task %s has no field %s", taskID, field)
	}
	return v, nil
}

func (f *fakeResultStore) reads() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fieldReads
}

type fakeSubmitter struct {
	mu    sync.Mutex
	id    string
	err   error
	calls []string
}

func (f *fakeSubmitter) Submit(ctx context.Context, factorID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, factorID)
	return f.id, f.err
}

type fakeCacheMetrics struct {
	mu     sync.Mutex
	hits   map[string]int
	misses map[string]int
}

func newFakeCacheMetrics() *fakeCacheMetrics {
	return &fakeCacheMetrics{hits: make(map[string]int), misses: make(map[string]int)}
}

func (m *fakeCacheMetrics) RecordCacheHit(cacheType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hits[cacheType]++
}

func (m *fakeCacheMetrics) RecordCacheMiss(cacheType string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.misses[cacheType]++
}

type svcEnv struct {
	factors *fakeFactorStore
	tasks   *fakeTaskStore
	logs    *fakeLogStore
	results *fakeResultStore
	subs    *fakeSubmitter
	metrics *fakeCacheMetrics
	svc     *Service
}

func newSvcEnv(t *testing.T) *svcEnv {
	t.Helper()
	e := &svcEnv{
		factors: newFakeFactorStore(),
		tasks:   newFakeTaskStore(),
		logs:    &fakeLogStore{},
		results: newFakeResultStore(),
		subs:    &fakeSubmitter{id: "task-1"},
		metrics: newFakeCacheMetrics(),
	}
	repo := persistence.Repository{
		Factors: e.factors,
		Tasks:   e.tasks,
		Logs:    e.logs,
		Results: e.results,
	}
	mem := cache.NewMemory(time.Minute, time.Minute)
	t.Cleanup(func() { _ = mem.Close() })
	e.svc = New(repo, e.subs, mem, config.CacheConfig{TTL: config.Duration(time.Minute)}, e.metrics, zerolog.Nop())
	return e
}

func validInput(name string) FactorInput {
	return FactorInput{
		UserID:     "u1",
		FactorName: name,
		Name:       "Momentum " + name,
		Code:       "CLOSE / OPEN - 1",
		CodeType:   "formula",
		Params: persistence.Params{
			StartDate:              "2024-01-02",
			EndDate:                "2024-06-28",
			AdjustmentCycle:        5,
			StockPool:              "000300",
			FactorDirection:        "positive",
			GroupNumber:            10,
			ExtremeValueProcessing: "median",
		},
	}
}

// seedBundle builds a bundle carrying just the rows the list metrics read.
func seedBundle(best analysis.GroupRow, ic, ir float64) *analysis.Bundle {
	return &analysis.Bundle{
		OneGroupData: []analysis.GroupRow{
			{Group: "group_1"},
			best,
			{Group: analysis.BenchmarkLabel},
		},
		FactorDataAnalysis: []analysis.IndicatorRow{
			{Indicator: "IC_mean", IC: ic, RankIC: ic},
			{Indicator: "IC_IR", IC: ir, RankIC: ir},
		},
	}
}
