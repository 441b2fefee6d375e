// Package journal owns entry identity, optimistic version numbers, and the
// transactional mutation path that records outbox events alongside every
// committed change.
package journal

import (
	"time"

	"github.com/google/uuid"
)

// Entry is a journal entry. Version increases by exactly 1 on every
// successful mutation and is the sole concurrency-control signal: a mutation
// must supply the version it believes is current or be rejected. Entries are
// never physically removed; Delete sets Deleted and still bumps Version.
type Entry struct {
	ID        uuid.UUID `json:"id"`
	Title     string    `json:"title"`
	Body      string    `json:"body"`
	Version   int64     `json:"version"`
	Deleted   bool      `json:"deleted"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CreateRequest is the input for creating an entry.
type CreateRequest struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// Changes holds the mutable fields of an update. Nil fields are left
// untouched.
type Changes struct {
	Title *string `json:"title"`
	Body  *string `json:"body"`
}

// Empty reports whether the update changes nothing.
func (c Changes) Empty() bool {
	return c.Title == nil && c.Body == nil
}
