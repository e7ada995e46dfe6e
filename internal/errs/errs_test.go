package errs

import (
	"context"
	"fmt"
	"testing"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
	"google.golang.org/api/googleapi"
	"gorm.io/gorm"
)

func TestClassification(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		transient bool
		notFound  bool
		duplicate bool
	}{
		{name: "nil", err: nil},
		{name: "marked transient", err: Newf(ErrTransient, "sheet read timed out"), transient: true},
		{name: "deadline", err: fmt.Errorf("head: %w", context.DeadlineExceeded), transient: true},
		{name: "rate limited", err: &googleapi.Error{Code: 429}, transient: true},
		{name: "server error", err: &googleapi.Error{Code: 503}, transient: true},
		{name: "google not found", err: &googleapi.Error{Code: 404}, notFound: true},
		{name: "gorm not found", err: fmt.Errorf("update: %w", gorm.ErrRecordNotFound), notFound: true},
		{name: "mysql duplicate", err: &mysql.MySQLError{Number: 1062, Message: "Duplicate entry"}, duplicate: true},
		{name: "gorm duplicate", err: gorm.ErrDuplicatedKey, duplicate: true},
		{name: "plain", err: fmt.Errorf("boom")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.transient, IsTransient(tt.err))
			assert.Equal(t, tt.notFound, IsNotFound(tt.err))
			assert.Equal(t, tt.duplicate, IsDuplicateKey(tt.err))
		})
	}
}

func TestMarkSurvivesWrapping(t *testing.T) {
	err := Newf(ErrConsistencyGuard, "would delete %d of %d", 3, 3)
	wrapped := fmt.Errorf("plan: %w", err)

	assert.True(t, Is(wrapped, ErrConsistencyGuard))
	assert.False(t, Is(wrapped, ErrNotFound))
	assert.Nil(t, Mark(nil, ErrNotFound))
}
