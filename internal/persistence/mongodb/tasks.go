package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// taskRepo implements persistence.TaskRepo on the tasks collection.
//
// All transitions are guarded updates: the filter admits only live tasks,
// so a terminal record can never move again no matter how late a worker
// or log flusher fires.
type taskRepo struct {
	base
}

// NewTaskRepo creates a task repository.
func NewTaskRepo(db *mongo.Database, timeout time.Duration) persistence.TaskRepo {
	return &taskRepo{base{db: db, timeout: timeout}}
}

func (r *taskRepo) coll() *mongo.Collection {
	return r.db.Collection(CollTasks)
}

func (r *taskRepo) Insert(ctx context.Context, t *persistence.Task) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	if _, err := r.coll().InsertOne(ctx, t); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Internalf("task id %s already exists", t.TaskID)
		}
		return errs.Transportf(err, "failed to insert task %s", t.TaskID)
	}
	return nil
}

func (r *taskRepo) Get(ctx context.Context, taskID string) (*persistence.Task, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var t persistence.Task
	if err := r.coll().FindOne(ctx, bson.M{"task_id": taskID}).Decode(&t); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.NoDataf("task %s not found", taskID)
		}
		return nil, errs.Transportf(err, "failed to load task %s", taskID)
	}
	return &t, nil
}

// AdvanceStage moves process_status forward. The filter requires the
// stored stage to be strictly below the new one, so retries and
// out-of-order writes collapse into no-ops.
func (r *taskRepo) AdvanceStage(ctx context.Context, taskID string, stage int) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"task_id":        taskID,
		"status":         persistence.TaskRunning,
		"process_status": bson.M{"$ne": persistence.ProcessFailed, "$lt": stage},
	}
	set := bson.M{
		"process_status": stage,
		"updated_at":     persistence.NowString(),
	}
	res, err := r.coll().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return errs.Transportf(err, "failed to advance task %s to stage %d", taskID, stage)
	}
	if res.MatchedCount == 0 {
		return r.missingOrStale(ctx, taskID)
	}
	return nil
}

func (r *taskRepo) MarkSucceeded(ctx context.Context, taskID, endTime string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"task_id":        taskID,
		"status":         persistence.TaskRunning,
		"process_status": bson.M{"$ne": persistence.ProcessFailed},
	}
	set := bson.M{
		"status":         persistence.TaskSucceeded,
		"process_status": 9,
		"end_time":       endTime,
		"updated_at":     persistence.NowString(),
	}
	res, err := r.coll().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return errs.Transportf(err, "failed to mark task %s succeeded", taskID)
	}
	if res.MatchedCount == 0 {
		return r.missingOrStale(ctx, taskID)
	}
	return nil
}

func (r *taskRepo) MarkFailed(ctx context.Context, taskID, errorMessage, endTime string) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"task_id": taskID,
		"status":  persistence.TaskRunning,
	}
	set := bson.M{
		"status":         persistence.TaskFailed,
		"process_status": persistence.ProcessFailed,
		"error_message":  errorMessage,
		"end_time":       endTime,
		"updated_at":     persistence.NowString(),
	}
	res, err := r.coll().UpdateOne(ctx, filter, bson.M{"$set": set})
	if err != nil {
		return errs.Transportf(err, "failed to mark task %s failed", taskID)
	}
	if res.MatchedCount == 0 {
		return r.missingOrStale(ctx, taskID)
	}
	return nil
}

// SetLastLog mirrors the newest flushed entry onto a live task. A flush
// racing the terminal transition matches nothing, which is fine: the
// mirror exists only for in-flight progress display.
func (r *taskRepo) SetLastLog(ctx context.Context, taskID, message, timestamp, level string, stage int) error {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	filter := bson.M{
		"task_id": taskID,
		"status":  persistence.TaskRunning,
	}
	set := bson.M{
		"last_log_message": message,
		"last_log_time":    timestamp,
		"last_log_level":   level,
		"current_stage":    stage,
		"updated_at":       persistence.NowString(),
	}
	if _, err := r.coll().UpdateOne(ctx, filter, bson.M{"$set": set}); err != nil {
		return errs.Transportf(err, "failed to mirror log onto task %s", taskID)
	}
	return nil
}

// missingOrStale separates "no such task" from "task already terminal"
// after a guarded update matched nothing.
func (r *taskRepo) missingOrStale(ctx context.Context, taskID string) error {
	n, err := r.coll().CountDocuments(ctx, bson.M{"task_id": taskID})
	if err != nil {
		return errs.Transportf(err, "failed to check task %s", taskID)
	}
	if n == 0 {
		return errs.NoDataf("task %s not found", taskID)
	}
	return nil
}
