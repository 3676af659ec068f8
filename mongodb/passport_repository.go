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

// PassportRepositoryMongo implements domain.PassportRepository over the
// passports and visas collections. Replace and DeleteByLinkedAccountID touch
// both collections; callers wrap them in a transaction together with the
// linked-account write.
type PassportRepositoryMongo struct {
	passports *mongo.Collection
	visas     *mongo.Collection
}

// NewPassportRepositoryMongo creates the repository and ensures its indexes.
func NewPassportRepositoryMongo(ctx context.Context, db *mongo.Database) (*PassportRepositoryMongo, error) {
	repo := &PassportRepositoryMongo{
		passports: db.Collection(PassportsCollection),
		visas:     db.Collection(VisasCollection),
	}
	if err := repo.createIndexes(ctx); err != nil {
		return nil, fmt.Errorf("failed to create passport indexes: %w", err)
	}
	return repo, nil
}

func (r *PassportRepositoryMongo) createIndexes(ctx context.Context) error {
	_, err := r.passports.Indexes().CreateOne(ctx, mongo.IndexModel{
		// One passport per linked account.
		Keys:    bson.D{{Key: "linked_account_id", Value: 1}},
		Options: options.Index().SetUnique(true),
	})
	if err != nil {
		return err
	}
	_, err = r.visas.Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "passport_id", Value: 1}},
	})
	return err
}

func (r *PassportRepositoryMongo) GetByLinkedAccountID(ctx context.Context, linkedAccountID string) (*domain.Passport, error) {
	var passport domain.Passport
	err := r.passports.FindOne(ctx, bson.M{"linked_account_id": linkedAccountID}).Decode(&passport)
	if err != nil {
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return nil, errors.ErrPassportNotFound
		}
		log.Error().Err(err).Msg("Error getting passport")
		return nil, err
	}
	return &passport, nil
}

func (r *PassportRepositoryMongo) ListVisas(ctx context.Context, passportID string) ([]*domain.Visa, error) {
	cursor, err := r.visas.Find(ctx, bson.M{"passport_id": passportID})
	if err != nil {
		log.Error().Err(err).Msg("Error listing visas")
		return nil, err
	}
	defer cursor.Close(ctx)

	var visas []*domain.Visa
	if err := cursor.All(ctx, &visas); err != nil {
		return nil, err
	}
	return visas, nil
}

// Replace swaps the stored passport and visa set for a linked account.
func (r *PassportRepositoryMongo) Replace(ctx context.Context, linkedAccountID string, passport *domain.Passport, visas []*domain.Visa) error {
	if err := r.DeleteByLinkedAccountID(ctx, linkedAccountID); err != nil {
		return err
	}

	if passport.ID == "" {
		passport.ID = NewObjectID()
	}
	passport.LinkedAccountID = linkedAccountID
	if _, err := r.passports.InsertOne(ctx, passport); err != nil {
		log.Error().Err(err).Msg("Error inserting passport")
		return err
	}

	if len(visas) == 0 {
		return nil
	}
	docs := make([]interface{}, 0, len(visas))
	for _, visa := range visas {
		if visa.ID == "" {
			visa.ID = NewObjectID()
		}
		visa.PassportID = passport.ID
		docs = append(docs, visa)
	}
	if _, err := r.visas.InsertMany(ctx, docs); err != nil {
		log.Error().Err(err).Msg("Error inserting visas")
		return err
	}
	return nil
}

func (r *PassportRepositoryMongo) DeleteByLinkedAccountID(ctx context.Context, linkedAccountID string) error {
	var existing domain.Passport
	err := r.passports.FindOne(ctx, bson.M{"linked_account_id": linkedAccountID}).Decode(&existing)
	if err != nil {
		if stderrors.Is(err, mongo.ErrNoDocuments) {
			return nil
		}
		return err
	}

	if _, err := r.visas.DeleteMany(ctx, bson.M{"passport_id": existing.ID}); err != nil {
		log.Error().Err(err).Msg("Error deleting visas")
		return err
	}
	if _, err := r.passports.DeleteOne(ctx, bson.M{"_id": existing.ID}); err != nil {
		log.Error().Err(err).Msg("Error deleting passport")
		return err
	}
	return nil
}

func (r *PassportRepositoryMongo) TouchVisaValidated(ctx context.Context, visaID string, validatedAt time.Time) error {
	update := bson.M{"$set": bson.M{"last_validated": validatedAt}}
	_, err := r.visas.UpdateOne(ctx, bson.M{"_id": visaID}, update)
	if err != nil {
		log.Error().Err(err).Msg("Error touching visa last_validated")
	}
	return err
}

var _ domain.PassportRepository = (*PassportRepositoryMongo)(nil)
