package mongodb

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// LockRepositoryMongo implements domain.LockStore with a conditional insert
// on a unique (lock_name, user_id) index. Expiry is lazy: an expired row is
// deleted and the insert retried once, so a crashed holder never wedges the
// lock permanently.
type LockRepositoryMongo struct {
	collection *mongo.Collection
}

// NewLockRepositoryMongo creates the repository and ensures its unique index.
func NewLockRepositoryMongo(ctx context.Context, db *mongo.Database) (*LockRepositoryMongo, error) {
	repo := &LockRepositoryMongo{
		collection: db.Collection(LocksCollection),
	}
	_, err := repo.collection.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys:    bson.D{{Key: "lock_name", Value: 1}, {Key: "user_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %s indexes: %w", LocksCollection, err)
	}
	return repo, nil
}

func (r *LockRepositoryMongo) TryAcquire(ctx context.Context, lockName, userID string, ttl time.Duration) error {
	if err := r.tryInsert(ctx, lockName, userID, ttl); err == nil {
		return nil
	} else if !mongo.IsDuplicateKeyError(err) {
		return err
	}

	// A row exists. If its TTL has passed the holder is dead; steal it and
	// retry the insert exactly once.
	filter := bson.M{
		"lock_name":  lockName,
		"user_id":    userID,
		"expires_at": bson.M{"$lt": time.Now().UTC()},
	}
	result, err := r.collection.DeleteOne(ctx, filter)
	if err != nil {
		log.Error().Err(err).Str("lock", lockName).Msg("Error stealing expired lock")
		return err
	}
	if result.DeletedCount == 0 {
		return errors.ErrLockAlreadyHeld
	}

	if err := r.tryInsert(ctx, lockName, userID, ttl); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			return errors.ErrLockAlreadyHeld
		}
		return err
	}
	return nil
}

func (r *LockRepositoryMongo) tryInsert(ctx context.Context, lockName, userID string, ttl time.Duration) error {
	lock := &domain.DistributedLock{
		ID:        NewObjectID(),
		LockName:  lockName,
		UserID:    userID,
		ExpiresAt: time.Now().UTC().Add(ttl),
	}
	_, err := r.collection.InsertOne(ctx, lock)
	return err
}

func (r *LockRepositoryMongo) Release(ctx context.Context, lockName, userID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"lock_name": lockName, "user_id": userID})
	if err != nil {
		log.Error().Err(err).Str("lock", lockName).Msg("Error releasing lock")
	}
	return err
}

var _ domain.LockStore = (*LockRepositoryMongo)(nil)
