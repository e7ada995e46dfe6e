package gcp

import (
	"context"
	"fmt"
	"time"

	"cloud.google.com/go/firestore"

	"github.com/Lllllllleong/expenseledger/internal/models"
)

// NewFirestoreClient creates and returns a new Firestore client for the given project ID.
// It centralizes client creation for all services.
func NewFirestoreClient(ctx context.Context, projectID string) (*firestore.Client, error) {
	if projectID == "" {
		return nil, fmt.Errorf("projectID must be provided to create a firestore client")
	}

	client, err := firestore.NewClient(ctx, projectID)
	if err != nil {
		return nil, fmt.Errorf("failed to create Firestore client: %w", err)
	}

	return client, nil
}

// ReportStore persists run reports, one document per run id.
type ReportStore struct {
	client     *firestore.Client
	collection string
}

func NewReportStore(client *firestore.Client, collection string) *ReportStore {
	return &ReportStore{client: client, collection: collection}
}

type reportDoc struct {
	models.RunReport
	FinishedAt time.Time `firestore:"finishedAt"`
}

// Save writes report under its run id, replacing any earlier attempt.
func (s *ReportStore) Save(ctx context.Context, report *models.RunReport) error {
	doc := reportDoc{RunReport: *report, FinishedAt: time.Now().UTC()}
	if _, err := s.client.Collection(s.collection).Doc(report.RunID).Set(ctx, doc); err != nil {
		return fmt.Errorf("failed to save run report %s: %w", report.RunID, err)
	}
	return nil
}
