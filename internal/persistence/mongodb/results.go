package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/factorlab/factorlab/internal/analysis"
	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// resultRepo implements persistence.ResultRepo on the results collection.
// One bundle per task, enforced by a unique index on task_id; a second
// insert for the same task is a broken pipeline invariant, not user error.
type resultRepo struct {
	base
}

// NewResultRepo creates a result repository.
func NewResultRepo(db *mongo.Database, timeout time.Duration) persistence.ResultRepo {
	return &resultRepo{base{db: db, timeout: timeout}}
}

// resultDoc wraps a bundle with its task key and write time.
type resultDoc struct {
	TaskID          string `bson:"task_id"`
	CreatedAt       string `bson:"created_at"`
	analysis.Bundle `bson:",inline"`
}

func (r *resultRepo) coll() *mongo.Collection {
	return r.db.Collection(CollResults)
}

func (r *resultRepo) Insert(ctx context.Context, taskID string, b *analysis.Bundle) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	doc := resultDoc{
		TaskID:    taskID,
		CreatedAt: persistence.NowString(),
		Bundle:    *b,
	}
	if _, err := r.coll().InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Internalf("result bundle already written for task %s", taskID)
		}
		return errs.Transportf(err, "failed to insert result bundle for task %s", taskID)
	}
	return nil
}

func (r *resultRepo) Get(ctx context.Context, taskID string) (*analysis.Bundle, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var doc resultDoc
	err := r.coll().FindOne(ctx, bson.M{"task_id": taskID}).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.NoDataf("no result bundle for task %s", taskID)
		}
		return nil, errs.Transportf(err, "failed to load result bundle for task %s", taskID)
	}
	return &doc.Bundle, nil
}

// GetField projects one bundle field so chart endpoints do not haul the
// whole document across the wire.
func (r *resultRepo) GetField(ctx context.Context, taskID, field string) (interface{}, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	opts := options.FindOne().SetProjection(bson.M{"_id": 0, field: 1})
	var doc bson.M
	err := r.coll().FindOne(ctx, bson.M{"task_id": taskID}, opts).Decode(&doc)
	if err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.NoDataf("no result bundle for task %s", taskID)
		}
		return nil, errs.Transportf(err, "failed to load field %s for task %s", field, taskID)
	}
	value, ok := doc[field]
	if !ok {
		return nil, errs.NoDataf("result bundle for task %s has no field %s", taskID, field)
	}
	return value, nil
}
