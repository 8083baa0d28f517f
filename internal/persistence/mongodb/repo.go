// Package mongodb implements the persistence repositories on MongoDB.
//
// Each repository holds a database handle and a per-operation timeout;
// every method derives a bounded context before touching the driver so a
// hung server cannot stall a pipeline stage indefinitely.
package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/factorlab/factorlab/internal/errs"
)

// Collection names. Custom factor values live in per-factor collections
// named by persistence.CustomFactorCollection.
const (
	CollFactors      = "user_factors"
	CollTasks        = "tasks"
	CollLogs         = "factor_analysis_stage_logs"
	CollResults      = "factor_analysis_results"
	CollStockMarket  = "stock_market"
	CollFutureMarket = "future_market"
	CollFactorBase   = "factor_base"
)

// base carries the handle and timeout shared by all repositories.
type base struct {
	db      *mongo.Database
	timeout time.Duration
}

// opCtx bounds a single driver call.
func (b base) opCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, b.timeout)
}

// oid parses a hex document id supplied by a client.
func oid(hex string) (primitive.ObjectID, error) {
	id, err := primitive.ObjectIDFromHex(hex)
	if err != nil {
		return primitive.NilObjectID, errs.Validationf("malformed id %q", hex)
	}
	return id, nil
}
