package mongodb

import (
	"context"
	stderrors "errors"
	"time"

	"github.com/rs/zerolog/log"
	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/DataBiosphere/externalcreds/domain"
	"github.com/DataBiosphere/externalcreds/errors"
)

// StateRepositoryMongo implements domain.OAuthStateStore. Consume uses
// FindOneAndDelete so only one caller can ever redeem a nonce, even across
// instances racing on the same callback.
type StateRepositoryMongo struct {
	collection *mongo.Collection
}

// NewStateRepositoryMongo creates the repository.
func NewStateRepositoryMongo(db *mongo.Database) *StateRepositoryMongo {
	return &StateRepositoryMongo{
		collection: db.Collection(OAuthStatesCollection),
	}
}

func (r *StateRepositoryMongo) Put(ctx context.Context, state *domain.OAuthState) error {
	if state.CreatedAt.IsZero() {
		state.CreatedAt = time.Now().UTC()
	}
	_, err := r.collection.InsertOne(ctx, state)
	if err != nil {
		log.Error().Err(err).Str("provider", state.Provider).Msg("Error storing oauth state")
	}
	return err
}

func (r *StateRepositoryMongo) Consume(ctx context.Context, nonce string) (*domain.OAuthState, error) {
	var state domain.OAuthState
	err := r.collection.FindOneAndDelete(ctx, bson.M{"_id": nonce}).Decode(&state)
	if err != nil {
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.ErrInvalidState
		}
		log.Error().Err(err).Msg("Error consuming oauth state")
		return nil, err
	}
	return &state, nil
}

var _ domain.OAuthStateStore = (*StateRepositoryMongo)(nil)
