package memory

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// DefaultRetention is how many turns a store keeps per user when no
// WithRetention option is given.
const DefaultRetention = 200

// TurnRecord stores a single user or assistant conversational turn.
type TurnRecord struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	ThreadID    string    `json:"thread_id"`
	Role        string    `json:"role"`
	Content     string    `json:"content"`
	PIIRedacted bool      `json:"pii_redacted"`
	CreatedAt   time.Time `json:"created_at"`
}

// Store persists and retrieves conversational memory. SaveTurn drops the
// user's oldest turns beyond the store's retention.
type Store interface {
	SaveTurn(ctx context.Context, record TurnRecord) error
	// RecentContext returns up to limit turns in chronological order.
	RecentContext(ctx context.Context, userID string, limit int) ([]TurnRecord, error)
}

type storeOptions struct {
	retention int
}

type StoreOption func(*storeOptions)

// WithRetention caps the turns kept per user. Non-positive values keep the default.
func WithRetention(turns int) StoreOption {
	return func(o *storeOptions) {
		if turns > 0 {
			o.retention = turns
		}
	}
}

func buildOptions(opts []StoreOption) storeOptions {
	o := storeOptions{retention: DefaultRetention}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// stamp fills the id and creation time of a turn about to be stored.
func stamp(record TurnRecord) TurnRecord {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = time.Now().UTC()
	}
	return record
}
