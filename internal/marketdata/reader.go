package marketdata

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"github.com/factorlab/factorlab/internal/config"
	"github.com/factorlab/factorlab/internal/engine"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/series"
)

// Query shapes one window read. See persistence.MarketQuery.
type Query = persistence.MarketQuery

// ChunkMetrics records chunk read outcomes. Implemented by the HTTP
// layer's metrics registry; nil disables recording.
type ChunkMetrics interface {
	RecordChunkRead(outcome string)
}

// Reader serves market windows, base factors and custom factor series.
// Window reads are split into chunks and fanned out over a bounded worker
// pool; every chunk passes the rate limiter, then the circuit breaker, so
// a struggling store sheds load instead of absorbing the full fan-out.
type Reader struct {
	market  persistence.MarketRepo
	factors persistence.FactorRepo
	workers int
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	metrics ChunkMetrics
	log     zerolog.Logger
}

// NewReader builds a reader sized by the runtime config. metrics may be
// nil.
func NewReader(market persistence.MarketRepo, factors persistence.FactorRepo, cfg config.RuntimeConfig, metrics ChunkMetrics, log zerolog.Logger) *Reader {
	workers := cfg.ReadWorkers
	if workers <= 0 {
		workers = 1
	}
	rps := cfg.ChunksPerSecond
	if rps <= 0 {
		rps = 1
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "market-reads",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("market read breaker state changed")
		},
	})
	return &Reader{
		market:  market,
		factors: factors,
		workers: workers,
		limiter: rate.NewLimiter(rate.Limit(rps), workers),
		breaker: breaker,
		metrics: metrics,
		log:     log,
	}
}

// Market reads one k-line window. The returned frame is the unordered
// concatenation of the chunk reads; callers sort when they need order. An
// empty window is not an error.
func (r *Reader) Market(ctx context.Context, q Query) (*series.Frame, error) {
	frames, err := r.readChunked(ctx, q.Start, q.End, func(cctx context.Context, c Chunk) (*series.Frame, error) {
		cq := q
		cq.Start, cq.End = c.Start, c.End
		return r.market.Window(cctx, cq)
	})
	if err != nil {
		return nil, err
	}
	out := series.Concat(frames...)
	if out.Len() == 0 {
		r.log.Warn().
			Str("start", q.Start).
			Str("end", q.End).
			Str("pool", q.Pool).
			Str("market_type", string(q.MarketType)).
			Msg("market window is empty")
	}
	return out, nil
}

// BaseFactors reads precomputed base-factor columns. A narrow pool first
// resolves its member symbols from the k-line table so the factor read
// stays proportional to the pool.
func (r *Reader) BaseFactors(ctx context.Context, start, end string, names []string, pool string, marketType persistence.MarketType) (*series.Frame, error) {
	var symbols []string
	if _, narrow := persistence.PoolComponent(pool); narrow && marketType == persistence.MarketStock {
		var err error
		symbols, err = r.market.Universe(ctx, Query{
			Start:      start,
			End:        end,
			Pool:       pool,
			IncludeST:  true,
			MarketType: marketType,
		})
		if err != nil {
			return nil, err
		}
		if len(symbols) == 0 {
			r.log.Warn().Str("pool", pool).Msg("pool resolved to no symbols")
			return series.New(), nil
		}
	}

	frames, err := r.readChunked(ctx, start, end, func(cctx context.Context, c Chunk) (*series.Frame, error) {
		return r.market.BaseFactorWindow(cctx, Query{
			Start:   c.Start,
			End:     c.End,
			Symbols: symbols,
			Fields:  names,
		})
	})
	if err != nil {
		return nil, err
	}
	out := series.Concat(frames...)
	if out.Len() == 0 {
		r.log.Warn().
			Str("start", start).
			Str("end", end).
			Strs("names", names).
			Msg("base factor window is empty")
	}
	return out, nil
}

// CustomFactor resolves a user-defined factor series for [start, end]. A
// materialized factor_<name>_<user_id> collection is range-read directly;
// otherwise the stored definition is evaluated over its own universe. The
// value column is named after the factor either way.
func (r *Reader) CustomFactor(ctx context.Context, userID, factorName, start, end string) (*series.Frame, error) {
	coll := persistence.CustomFactorCollection(factorName, userID)
	exists, err := r.market.CustomFactorExists(ctx, coll)
	if err != nil {
		return nil, err
	}
	if exists {
		f, err := r.market.CustomFactorWindow(ctx, coll, start, end)
		if err != nil {
			return nil, err
		}
		f.Rename("value", factorName)
		return f, nil
	}
	return r.computeCustomFactor(ctx, userID, factorName, start, end)
}

// computeCustomFactor evaluates the stored definition when no materialized
// collection exists. Any failure degrades to a data-availability error so
// the requesting pipeline reports a missing series, not a broken stage.
func (r *Reader) computeCustomFactor(ctx context.Context, userID, factorName, start, end string) (*series.Frame, error) {
	def, err := r.factors.GetByName(ctx, userID, factorName)
	if err != nil {
		return nil, err
	}
	dialect, err := engine.ParseDialect(def.CodeType)
	if err != nil {
		return nil, errs.NoDataf("factor %s has unusable code_type: %v", factorName, err)
	}
	prog, err := engine.Compile(def.Code, dialect)
	if err != nil {
		r.log.Warn().Err(err).Str("factor", factorName).Msg("custom factor definition does not compile")
		return nil, errs.NoDataf("factor %s definition does not compile", factorName)
	}

	marketType := persistence.MarketStock
	if def.FactorType == string(persistence.MarketFuture) {
		marketType = persistence.MarketFuture
	}
	frame, err := r.Market(ctx, Query{
		Start:      start,
		End:        end,
		Pool:       def.Params.StockPool,
		IncludeST:  def.Params.IncludeST,
		Fields:     engine.ReferencedColumns(prog),
		MarketType: marketType,
	})
	if err != nil {
		return nil, err
	}
	if frame.Len() == 0 {
		return nil, errs.NoDataf("no market data to compute factor %s over %s..%s", factorName, start, end)
	}
	frame.SortByDateSymbol()

	values, err := engine.Run(frame, prog)
	if err != nil {
		r.log.Warn().Err(err).Str("factor", factorName).Msg("custom factor evaluation failed")
		return nil, errs.NoDataf("factor %s evaluation failed", factorName)
	}

	n := frame.Len()
	dates := make([]string, n)
	symbols := make([]string, n)
	for i := 0; i < n; i++ {
		dates[i] = frame.Date(i)
		symbols[i] = frame.Symbol(i)
	}
	return series.FromColumns(dates, symbols, map[string][]float64{factorName: values}, nil)
}

// readChunked plans the chunks and fans them out over the worker pool.
func (r *Reader) readChunked(ctx context.Context, start, end string, read func(context.Context, Chunk) (*series.Frame, error)) ([]*series.Frame, error) {
	chunks, err := PlanChunks(start, end)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers := r.workers
	if workers > len(chunks) {
		workers = len(chunks)
	}

	jobs := make(chan Chunk)
	var (
		mu       sync.Mutex
		frames   []*series.Frame
		firstErr error
	)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				f, err := r.readChunk(ctx, c, read)
				mu.Lock()
				if err != nil {
					if firstErr == nil {
						firstErr = err
						cancel()
					}
				} else {
					frames = append(frames, f)
				}
				mu.Unlock()
			}
		}()
	}

feed:
	for _, c := range chunks {
		select {
		case jobs <- c:
		case <-ctx.Done():
			break feed
		}
	}
	close(jobs)
	wg.Wait()

	if firstErr != nil {
		return nil, firstErr
	}
	return frames, nil
}

// readChunk runs one chunk through the limiter and the breaker.
func (r *Reader) readChunk(ctx context.Context, c Chunk, read func(context.Context, Chunk) (*series.Frame, error)) (*series.Frame, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		r.record("canceled")
		return nil, errs.Transportf(err, "chunk read %s..%s canceled", c.Start, c.End)
	}
	out, err := r.breaker.Execute(func() (interface{}, error) {
		return read(ctx, c)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			r.record("rejected")
			return nil, errs.Transportf(err, "market reads suspended by circuit breaker")
		}
		r.record("error")
		return nil, err
	}
	r.record("success")
	return out.(*series.Frame), nil
}

func (r *Reader) record(outcome string) {
	if r.metrics != nil {
		r.metrics.RecordChunkRead(outcome)
	}
}
