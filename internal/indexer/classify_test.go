package indexer

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	apperrors "github.com/journalkit/journalkit/pkg/errors"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Class
	}{
		{"malformed event", apperrors.ErrMalformedEvent, ClassPermanent},
		{"entry not found", apperrors.ErrEntryNotFound, ClassPermanent},
		{"invalid input", apperrors.ErrInvalidInput, ClassPermanent},
		{"wrapped not found", fmt.Errorf("fetching entry: %w", apperrors.ErrEntryNotFound), ClassPermanent},
		{"embedding unavailable", apperrors.ErrEmbeddingUnavailable, ClassTransient},
		{"timeout", apperrors.ErrTimeout, ClassTransient},
		{"context canceled", context.Canceled, ClassTransient},
		{"deadline exceeded", context.DeadlineExceeded, ClassTransient},
		{"unknown error", errors.New("connection reset"), ClassTransient},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Classify(tt.err))
		})
	}
}

func TestClassString(t *testing.T) {
	assert.Equal(t, "transient", ClassTransient.String())
	assert.Equal(t, "permanent", ClassPermanent.String())
}
