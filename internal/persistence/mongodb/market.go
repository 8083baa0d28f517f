package mongodb

import (
	"context"
	"sort"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
	"github.com/factorlab/factorlab/internal/series"
)

// marketRepo implements persistence.MarketRepo on the k-line collections.
// It reads exactly the window it is asked for; chunking and parallel reads
// live above in marketdata.
type marketRepo struct {
	base
}

// NewMarketRepo creates a market repository.
func NewMarketRepo(db *mongo.Database, timeout time.Duration) persistence.MarketRepo {
	return &marketRepo{base{db: db, timeout: timeout}}
}

// marketFilter builds the query document for one window read.
func marketFilter(q persistence.MarketQuery) bson.M {
	filter := bson.M{"date": bson.M{"$gte": q.Start, "$lte": q.End}}
	if q.MarketType == persistence.MarketFuture {
		// Keep only the continuous dominant contract: symbol equals
		// the underlying code suffixed with "88".
		filter["$expr"] = bson.M{"$eq": bson.A{
			"$symbol",
			bson.M{"$concat": bson.A{"$underlying_symbol", "88"}},
		}}
		return filter
	}
	if mask, ok := persistence.PoolComponent(q.Pool); ok {
		filter["index_component"] = mask
	}
	if !q.IncludeST {
		filter["name"] = bson.M{"$not": primitive.Regex{Pattern: "ST"}}
	}
	if len(q.Symbols) > 0 {
		filter["symbol"] = bson.M{"$in": q.Symbols}
	}
	return filter
}

// fieldProjection keeps the requested fields plus the row keys. An empty
// request keeps everything except the storage id.
func fieldProjection(fields []string) bson.M {
	proj := bson.M{"_id": 0}
	if len(fields) == 0 {
		return proj
	}
	proj["date"] = 1
	proj["symbol"] = 1
	for _, f := range fields {
		proj[f] = 1
	}
	return proj
}

// BatchSize sizes cursor batches toward the 10 MiB reply ceiling from a
// rough per-document byte estimate, clamped so tiny projections do not
// produce absurd batches and wide ones still make progress.
func BatchSize(fields []string) int {
	perDoc := 200
	if len(fields) > 0 {
		perDoc = 20 * len(fields)
	}
	n := (10 << 20) / perDoc
	if n < 2000 {
		n = 2000
	}
	if n > 10000 {
		n = 10000
	}
	return n
}

func (r *marketRepo) Window(ctx context.Context, q persistence.MarketQuery) (*series.Frame, error) {
	name := CollStockMarket
	if q.MarketType == persistence.MarketFuture {
		name = CollFutureMarket
	}
	return r.window(ctx, name, marketFilter(q), q.Fields)
}

func (r *marketRepo) BaseFactorWindow(ctx context.Context, q persistence.MarketQuery) (*series.Frame, error) {
	filter := bson.M{"date": bson.M{"$gte": q.Start, "$lte": q.End}}
	if len(q.Symbols) > 0 {
		filter["symbol"] = bson.M{"$in": q.Symbols}
	}
	return r.window(ctx, CollFactorBase, filter, q.Fields)
}

func (r *marketRepo) Universe(ctx context.Context, q persistence.MarketQuery) ([]string, error) {
	name := CollStockMarket
	if q.MarketType == persistence.MarketFuture {
		name = CollFutureMarket
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	raw, err := r.db.Collection(name).Distinct(ctx, "symbol", marketFilter(q))
	if err != nil {
		return nil, errs.Transportf(err, "failed to resolve universe in %s", name)
	}
	symbols := make([]string, 0, len(raw))
	for _, v := range raw {
		if s, ok := v.(string); ok {
			symbols = append(symbols, s)
		}
	}
	sort.Strings(symbols)
	return symbols, nil
}

func (r *marketRepo) CustomFactorExists(ctx context.Context, collection string) (bool, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	names, err := r.db.ListCollectionNames(ctx, bson.M{"name": collection})
	if err != nil {
		return false, errs.Transportf(err, "failed to probe collection %s", collection)
	}
	return len(names) > 0, nil
}

func (r *marketRepo) CustomFactorWindow(ctx context.Context, collection, start, end string) (*series.Frame, error) {
	filter := bson.M{"date": bson.M{"$gte": start, "$lte": end}}
	return r.window(ctx, collection, filter, nil)
}

// window runs one find and decodes the cursor into a frame.
func (r *marketRepo) window(ctx context.Context, collection string, filter bson.M, fields []string) (*series.Frame, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	opts := options.Find().
		SetProjection(fieldProjection(fields)).
		SetBatchSize(int32(BatchSize(fields)))
	cur, err := r.db.Collection(collection).Find(ctx, filter, opts)
	if err != nil {
		return nil, errs.Transportf(err, "failed to query %s", collection)
	}
	defer cur.Close(ctx)

	f := series.New()
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Transportf(err, "failed to decode %s row", collection)
		}
		appendDoc(f, doc)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Transportf(err, "cursor failed on %s", collection)
	}
	return f, nil
}

// appendDoc adds one decoded document as a frame row. Rows without the
// (date, symbol) key are dropped.
func appendDoc(f *series.Frame, doc bson.M) {
	date, _ := doc["date"].(string)
	symbol, _ := doc["symbol"].(string)
	if date == "" || symbol == "" {
		return
	}
	var floats map[string]float64
	var strs map[string]string
	for k, v := range doc {
		if k == "_id" || k == "date" || k == "symbol" {
			continue
		}
		if x, ok := toFloat(v); ok {
			if floats == nil {
				floats = make(map[string]float64)
			}
			floats[k] = x
			continue
		}
		if s, ok := v.(string); ok {
			if strs == nil {
				strs = make(map[string]string)
			}
			strs[k] = s
		}
	}
	f.AppendRow(date, symbol, floats, strs)
}

// toFloat coerces the numeric types the driver can hand back.
func toFloat(v interface{}) (float64, bool) {
	switch x := v.(type) {
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int32:
		return float64(x), true
	case int64:
		return float64(x), true
	}
	return 0, false
}
