package ticket

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a ticket id is unknown.
var ErrNotFound = errors.New("ticket: not found")

// Filter narrows List results. Zero values mean "any".
type Filter struct {
	TenantID  string
	Status    Status
	Operation OperationType
	Limit     int
	Offset    int
}

// Stats aggregates ticket counts per status for one tenant (or all tenants
// when TenantID was empty in the query).
type Stats struct {
	Total      int            `json:"total"`
	ByStatus   map[Status]int `json:"by_status"`
	Processing int            `json:"processing"`
	Pending    int            `json:"pending"`
}

// Store persists tickets. Implementations must treat Update as last-write-wins
// on the full record; the orchestrator serializes transitions per ticket.
type Store interface {
	// Create persists a new ticket.
	Create(ctx context.Context, t *Ticket) error
	// Get returns the ticket or ErrNotFound.
	Get(ctx context.Context, ticketID string) (*Ticket, error)
	// Update overwrites the stored record.
	Update(ctx context.Context, t *Ticket) error
	// List returns tickets matching the filter, newest first.
	List(ctx context.Context, f Filter) ([]*Ticket, error)
	// Stats aggregates counts per status for the tenant ("" = all).
	Stats(ctx context.Context, tenantID string) (Stats, error)
	// MarkExpired moves non-terminal tickets past their window to EXPIRED and
	// returns how many changed.
	MarkExpired(ctx context.Context, now time.Time) (int, error)
	// FindStalled returns PROCESSING tickets whose processing started before
	// the cutoff.
	FindStalled(ctx context.Context, cutoff time.Time) ([]*Ticket, error)
	// DeleteOlderThan removes terminal tickets updated before the cutoff and
	// returns how many were removed.
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int, error)
}
