package sequence

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"cloud.google.com/go/firestore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

type counterDoc struct {
	ProjectCode string    `firestore:"projectCode"`
	Last        int       `firestore:"last"`
	UpdatedAt   time.Time `firestore:"updatedAt"`
}

// FirestoreCounter keeps one counter document per project and reserves
// blocks inside a transaction, so concurrent batches are serialized by
// Firestore's optimistic concurrency control.
type FirestoreCounter struct {
	client     *firestore.Client
	collection string
}

// NewFirestoreCounter returns a counter storing documents in collection.
func NewFirestoreCounter(client *firestore.Client, collection string) *FirestoreCounter {
	return &FirestoreCounter{client: client, collection: collection}
}

// Reserve implements Counter.
func (c *FirestoreCounter) Reserve(ctx context.Context, projectCode string, floor, n int) (int, error) {
	ref := c.client.Collection(c.collection).Doc(url.PathEscape(projectCode))
	var first int
	err := c.client.RunTransaction(ctx, func(ctx context.Context, tx *firestore.Transaction) error {
		last := 0
		snap, err := tx.Get(ref)
		switch {
		case status.Code(err) == codes.NotFound:
		case err != nil:
			return err
		default:
			var doc counterDoc
			if err := snap.DataTo(&doc); err != nil {
				return fmt.Errorf("decode counter %s: %w", projectCode, err)
			}
			last = doc.Last
		}

		first = max(last, floor) + 1
		return tx.Set(ref, counterDoc{
			ProjectCode: projectCode,
			Last:        first + n - 1,
			UpdatedAt:   time.Now().UTC(),
		})
	})
	if err != nil {
		return 0, fmt.Errorf("reserve %d sequence numbers for %s: %w", n, projectCode, err)
	}
	return first, nil
}
