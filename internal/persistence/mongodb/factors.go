package mongodb

import (
	"context"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/factorlab/factorlab/internal/errs"
	"github.com/factorlab/factorlab/internal/persistence"
)

// factorRepo implements persistence.FactorRepo on the user_factors
// collection.
type factorRepo struct {
	base
}

// NewFactorRepo creates a factor repository.
func NewFactorRepo(db *mongo.Database, timeout time.Duration) persistence.FactorRepo {
	return &factorRepo{base{db: db, timeout: timeout}}
}

// factorDoc pairs the storage id with the shared model.
type factorDoc struct {
	ID                 primitive.ObjectID `bson:"_id"`
	persistence.Factor `bson:",inline"`
}

func (r *factorRepo) coll() *mongo.Collection {
	return r.db.Collection(CollFactors)
}

func (r *factorRepo) Create(ctx context.Context, f *persistence.Factor) (string, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := r.coll().InsertOne(ctx, f)
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return "", errs.Conflictf("factor %q already exists for user %s", f.FactorName, f.UserID)
		}
		return "", errs.Transportf(err, "failed to insert factor %q", f.FactorName)
	}
	id, ok := res.InsertedID.(primitive.ObjectID)
	if !ok {
		return "", errs.Internalf("unexpected inserted id type %T", res.InsertedID)
	}
	f.FactorID = id.Hex()
	return f.FactorID, nil
}

func (r *factorRepo) Update(ctx context.Context, f *persistence.Factor) error {
	id, err := oid(f.FactorID)
	if err != nil {
		return err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	set := bson.M{
		"factor_name": f.FactorName,
		"name":        f.Name,
		"code":        f.Code,
		"code_type":   f.CodeType,
		"factor_type": f.FactorType,
		"describe":    f.Describe,
		"tags":        f.Tags,
		"params":      f.Params,
		"updated_at":  f.UpdatedAt,
	}
	res, err := r.coll().UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errs.Conflictf("factor %q already exists for user %s", f.FactorName, f.UserID)
		}
		return errs.Transportf(err, "failed to update factor %s", f.FactorID)
	}
	if res.MatchedCount == 0 {
		return errs.NoDataf("factor %s not found", f.FactorID)
	}
	return nil
}

func (r *factorRepo) Delete(ctx context.Context, factorID string) error {
	id, err := oid(factorID)
	if err != nil {
		return err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	res, err := r.coll().DeleteOne(ctx, bson.M{"_id": id})
	if err != nil {
		return errs.Transportf(err, "failed to delete factor %s", factorID)
	}
	if res.DeletedCount == 0 {
		return errs.NoDataf("factor %s not found", factorID)
	}
	return nil
}

func (r *factorRepo) Get(ctx context.Context, factorID string) (*persistence.Factor, error) {
	id, err := oid(factorID)
	if err != nil {
		return nil, err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var doc factorDoc
	if err := r.coll().FindOne(ctx, bson.M{"_id": id}).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.NoDataf("factor %s not found", factorID)
		}
		return nil, errs.Transportf(err, "failed to load factor %s", factorID)
	}
	doc.Factor.FactorID = doc.ID.Hex()
	return &doc.Factor, nil
}

func (r *factorRepo) GetByName(ctx context.Context, userID, factorName string) (*persistence.Factor, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	var doc factorDoc
	filter := bson.M{"user_id": userID, "factor_name": factorName}
	if err := r.coll().FindOne(ctx, filter).Decode(&doc); err != nil {
		if err == mongo.ErrNoDocuments {
			return nil, errs.NoDataf("factor %q not found for user %s", factorName, userID)
		}
		return nil, errs.Transportf(err, "failed to load factor %q for user %s", factorName, userID)
	}
	doc.Factor.FactorID = doc.ID.Hex()
	return &doc.Factor, nil
}

func (r *factorRepo) ListByUser(ctx context.Context, userID string) ([]persistence.Factor, error) {
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	cur, err := r.coll().Find(ctx, bson.M{"user_id": userID})
	if err != nil {
		return nil, errs.Transportf(err, "failed to list factors for user %s", userID)
	}
	defer cur.Close(ctx)

	var factors []persistence.Factor
	for cur.Next(ctx) {
		var doc factorDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, errs.Transportf(err, "failed to decode factor for user %s", userID)
		}
		doc.Factor.FactorID = doc.ID.Hex()
		factors = append(factors, doc.Factor)
	}
	if err := cur.Err(); err != nil {
		return nil, errs.Transportf(err, "factor cursor failed for user %s", userID)
	}
	return factors, nil
}

func (r *factorRepo) SetStatus(ctx context.Context, factorID string, status int, currentTaskID string) error {
	id, err := oid(factorID)
	if err != nil {
		return err
	}
	ctx, cancel := r.opCtx(ctx)
	defer cancel()

	set := bson.M{
		"status":     status,
		"updated_at": persistence.NowString(),
	}
	if currentTaskID != "" {
		set["current_task_id"] = currentTaskID
	}
	res, err := r.coll().UpdateByID(ctx, id, bson.M{"$set": set})
	if err != nil {
		return errs.Transportf(err, "failed to set status on factor %s", factorID)
	}
	if res.MatchedCount == 0 {
		return errs.NoDataf("factor %s not found", factorID)
	}
	return nil
}
