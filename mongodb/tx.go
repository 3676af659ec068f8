package mongodb

import (
	"context"

	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"
	"go.mongodb.org/mongo-driver/v2/mongo/writeconcern"

	"github.com/DataBiosphere/externalcreds/domain"
)

// TxRunner runs functions inside a multi-document MongoDB transaction with
// majority write concern. The driver retries the callback on transient
// transaction errors, so callbacks must be safe to run more than once.
type TxRunner struct {
	client *mongo.Client
}

// NewTxRunner creates a TxRunner bound to the given client.
func NewTxRunner(client *mongo.Client) *TxRunner {
	return &TxRunner{client: client}
}

func (t *TxRunner) InTransaction(ctx context.Context, fn func(ctx context.Context) error) error {
	session, err := t.client.StartSession()
	if err != nil {
		return err
	}
	defer session.EndSession(ctx)

	txOpts := options.Transaction().SetWriteConcern(writeconcern.Majority())
	_, err = session.WithTransaction(ctx, func(sessCtx context.Context) (interface{}, error) {
		return nil, fn(sessCtx)
	}, txOpts)
	return err
}

var _ domain.TransactionRunner = (*TxRunner)(nil)
