package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// logRepo implements persistence.LogRepo on the stage-log collection.
// Entry order rides on the storage ids: the driver assigns monotonically
// increasing ids in batch order, so an ordered InsertMany preserves the
// buffer's ordering and Tail can page on "_id greater than".
type logRepo struct {
	base
}

// NewLogRepo creates a log repository.
func NewLogRepo(db *mongo.Database, timeout time.Duration) persistence.LogRepo {
	return &logRepo{base{db: db, timeout: timeout}}
}

// logDoc pairs the storage id with the shared model.
type logDoc struct {
	ID                   primitive.ObjectID `bson:"_id"`
	persistence.LogEntry `bson:",inline"`
}

func (r *logRepo) coll() *mongo.Collection {
	return r.db.Collection(CollLogs)
}

func (r *logRepo) Append(ctx context.Context, entries []persistence.LogEntry) error {
	if len(entries) == 0 {
		return nil
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	docs := make([]interface{}, len(entries))
	for i := range entries {
		docs[i] = entries[i]
	}
	opts := options.InsertMany().SetOrdered(true)
	if _, err := r.coll().InsertMany(ctx, docs, opts); err != nil {
		return errs.Transportf(err, "failed to append %d log entries for task %s", len(entries), entries[0].TaskID)
	}
	return nil
}

func (r *logRepo) Tail(ctx context.Context, taskID, afterOrdinal string, limit int) ([]persistence.LogEntry, string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	filter := bson.M{"task_id": taskID}
	if afterOrdinal != "" {
		after, err := oid(afterOrdinal)
		if err != nil {
			return nil, "", err
		}
		filter["_id"] = bson.M{"$gt": after}
	}
	opts := options.Find().SetSort(bson.D{{Key: "_id", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cur, err := r.coll().Find(ctx, filter, opts)
	if err != nil {
		return nil, "", errs.Transportf(err, "failed to tail logs for task %s", taskID)
	}
	defer cur.Close(ctx)

	var entries []persistence.LogEntry
	last := afterOrdinal
	for cur.Next(ctx) {
		var doc logDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, "", errs.Transportf(err, "failed to decode log entry for task %s", taskID)
		}
		doc.LogEntry.Ordinal = doc.ID.Hex()
		last = doc.LogEntry.Ordinal
		entries = append(entries, doc.LogEntry)
	}
	if err := cur.Err(); err != nil {
		return nil, "", errs.Transportf(err, "log cursor failed for task %s", taskID)
	}
	return entries, last, nil
}
