package indexer

import (
	"context"
	"errors"

	apperrors "github.com/journalkit/journalkit/pkg/errors"
)

// Class partitions processing failures for the redelivery decision.
type Class int

const (
	// ClassTransient failures are retried with backoff up to maxDeliver.
	ClassTransient Class = iota
	// ClassPermanent failures are dead-lettered immediately without
	// consuming redelivery budget.
	ClassPermanent
)

func (c Class) String() string {
	if c == ClassPermanent {
		return "permanent"
	}
	return "transient"
}

// Classify maps a processing error to its retry class. Malformed events and
// missing entries can never succeed on retry; everything else (provider
// timeouts, broker or database hiccups) is assumed recoverable.
func Classify(err error) Class {
	switch {
	case errors.Is(err, apperrors.ErrMalformedEvent),
		errors.Is(err, apperrors.ErrEntryNotFound),
		errors.Is(err, apperrors.ErrInvalidInput):
		return ClassPermanent
	case errors.Is(err, context.Canceled):
		// Shutdown, not a verdict on the message; treat as transient so the
		// uncommitted offset redelivers it.
		return ClassTransient
	default:
		return ClassTransient
	}
}
