package mongodb

import (
	"context"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// LinkedAccountRepositoryMongo implements domain.LinkedAccountRepository.
type LinkedAccountRepositoryMongo struct {
	collection *mongo.Collection
}

// NewLinkedAccountRepositoryMongo creates the repository and ensures its
// indexes.
func NewLinkedAccountRepositoryMongo(ctx context.Context, db *mongo.Database) (*LinkedAccountRepositoryMongo, error) {
	repo := &LinkedAccountRepositoryMongo{
		collection: db.Collection(LinkedAccountsCollection),
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create %s indexes: %w", LinkedAccountsCollection, err)
	}
	return repo, nil
}

func (r *LinkedAccountRepositoryMongo) createIndexes(ctx context.Context) error {
	indexModels := []mongo.IndexModel{
		{
			// One link per (user, provider).
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}},
			Options: options.Index().SetUnique(true),
		},
		{
			// The refresh job scans on (is_authenticated, expires_at).
			Keys: bson.D{{Key: "is_authenticated", Value: 1}, {Key: "expires_at", Value: 1}},
		},
	}
	_, err := r.collection.Indexes().CreateMany(ctx, indexModels)
	return err
}

func (r *LinkedAccountRepositoryMongo) GetByUserAndProvider(ctx context.Context, userID, provider string) (*domain.LinkedAccount, error) {
	var account domain.LinkedAccount
	filter := bson.M{"user_id": userID, "provider": provider}
	err := r.collection.FindOne(ctx, filter).Decode(&account)
	if err != nil {
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.ErrLinkNotFound
		}
		log.Error().Err(err).Str("provider", provider).Msg("Error getting linked account")
		return nil, err
	}
	return &account, nil
}

func (r *LinkedAccountRepositoryMongo) Upsert(ctx context.Context, account *domain.LinkedAccount) (*domain.LinkedAccount, error) {
	now := time.Now().UTC()
	if account.ID == "" {
		account.ID = NewObjectID()
		account.CreatedAt = now
	}
	account.UpdatedAt = now

	filter := bson.M{"user_id": account.UserID, "provider": account.Provider}
	var existing domain.LinkedAccount
	err := r.collection.FindOne(ctx, filter).Decode(&existing)
	switch {
	case err == nil:
		// Relinking keeps the original identity of the row.
		account.ID = existing.ID
		account.CreatedAt = existing.CreatedAt
	case stderrors.Is(err, mongo.ErrNoDocuments):
	default:
		return nil, err
	}

	opts := options.Replace().SetUpsert(true)
	if _, err := r.collection.ReplaceOne(ctx, filter, account, opts); err != nil {
		log.Error().Err(err).Str("provider", account.Provider).Msg("Error upserting linked account")
		return nil, err
	}
	return account, nil
}

func (r *LinkedAccountRepositoryMongo) Update(ctx context.Context, account *domain.LinkedAccount) error {
	account.UpdatedAt = time.Now().UTC()
	update := bson.M{"$set": bson.M{
		"external_user_id": account.ExternalUserID,
		"refresh_token":    account.RefreshToken,
		"expires_at":       account.ExpiresAt,
		"is_authenticated": account.IsAuthenticated,
		"updated_at":       account.UpdatedAt,
	}}
	result, err := r.collection.UpdateOne(ctx, bson.M{"_id": account.ID}, update)
	if err != nil {
		log.Error().Err(err).Str("provider", account.Provider).Msg("Error updating linked account")
		return err
	}
	if result.MatchedCount == 0 {
		return errors.ErrLinkNotFound
	}
	return nil
}

func (r *LinkedAccountRepositoryMongo) Delete(ctx context.Context, userID, provider string) error {
	result, err := r.collection.DeleteOne(ctx, bson.M{"user_id": userID, "provider": provider})
	if err != nil {
		log.Error().Err(err).Str("provider", provider).Msg("Error deleting linked account")
		return err
	}
	if result.DeletedCount == 0 {
		return errors.ErrLinkNotFound
	}
	return nil
}

func (r *LinkedAccountRepositoryMongo) ListExpiringBefore(ctx context.Context, cutoff time.Time) ([]*domain.LinkedAccount, error) {
	filter := bson.M{
		"is_authenticated": true,
		"expires_at":       bson.M{"$lt": cutoff},
	}
	cursor, err := r.collection.Find(ctx, filter, options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}}))
	if err != nil {
		log.Error().Err(err).Msg("Error listing expiring linked accounts")
		return nil, err
	}
	defer cursor.Close(ctx)

	var accounts []*domain.LinkedAccount
	if err := cursor.All(ctx, &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

var _ domain.LinkedAccountRepository = (*LinkedAccountRepositoryMongo)(nil)
