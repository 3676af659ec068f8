package mongodb

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/DataBiosphere/externalcreds/domain"
)

// TokenCacheRepositoryMongo implements domain.AccessTokenCacheRepository.
// Entries are keyed by linked account ID (_id), so a Put is always a
// last-writer-wins replace.
type TokenCacheRepositoryMongo struct {
	collection *mongo.Collection
}

// NewTokenCacheRepositoryMongo creates the repository.
func NewTokenCacheRepositoryMongo(db *mongo.Database) *TokenCacheRepositoryMongo {
	return &TokenCacheRepositoryMongo{
		collection: db.Collection(TokenCacheCollection),
	}
}

func (r *TokenCacheRepositoryMongo) Get(ctx context.Context, linkedAccountID string) (*domain.AccessTokenCacheEntry, error) {
	var entry domain.AccessTokenCacheEntry
	err := r.collection.FindOne(ctx, bson.M{"_id": linkedAccountID}).Decode(&entry)
	if err != nil {
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return nil, nil
		}
		log.Error().Err(err).Msg("Error reading access token cache entry")
		return nil, err
	}
	return &entry, nil
}

func (r *TokenCacheRepositoryMongo) Put(ctx context.Context, entry *domain.AccessTokenCacheEntry) error {
	entry.UpdatedAt = time.Now().UTC()
	opts := options.Replace().SetUpsert(true)
	_, err := r.collection.ReplaceOne(ctx, bson.M{"_id": entry.LinkedAccountID}, entry, opts)
	if err != nil {
		log.Error().Err(err).Msg("Error writing access token cache entry")
	}
	return err
}

func (r *TokenCacheRepositoryMongo) Delete(ctx context.Context, linkedAccountID string) error {
	_, err := r.collection.DeleteOne(ctx, bson.M{"_id": linkedAccountID})
	if err != nil {
		log.Error().Err(err).Msg("Error deleting access token cache entry")
	}
	return err
}

var _ domain.AccessTokenCacheRepository = (*TokenCacheRepositoryMongo)(nil)
