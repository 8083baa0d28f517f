package mongodb

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// EnsureIndexes creates the indexes the repositories rely on. Creation is
// idempotent; running it against a populated store is safe.
func EnsureIndexes(ctx context.Context, db *mongo.Database) error {
	plan := []struct {
		collection string
		models     []mongo.IndexModel
	}{
		{CollFactors, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "factor_name", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "factor_name", Value: 1}}},
		}},
		{CollTasks, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "task_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
			{Keys: bson.D{{Key: "factor_id", Value: 1}}},
		}},
		{CollLogs, []mongo.IndexModel{
			{Keys: bson.D{{Key: "task_id", Value: 1}}},
		}},
		{CollResults, []mongo.IndexModel{
			{
				Keys:    bson.D{{Key: "task_id", Value: 1}},
				Options: options.Index().SetUnique(true),
			},
		}},
		{CollStockMarket, []mongo.IndexModel{
			{Keys: bson.D{{Key: "date", Value: 1}, {Key: "symbol", Value: 1}}},
		}},
		{CollFutureMarket, []mongo.IndexModel{
			{Keys: bson.D{{Key: "date", Value: 1}, {Key: "symbol", Value: 1}}},
		}},
		{CollFactorBase, []mongo.IndexModel{
			{Keys: bson.D{{Key: "date", Value: 1}, {Key: "symbol", Value: 1}}},
		}},
	}

	for _, p := range plan {
		if _, err := db.Collection(p.collection).Indexes().CreateMany(ctx, p.models); err != nil {
			return fmt.Errorf("failed to create indexes on %s: %w", p.collection, err)
		}
	}
	return nil
}
