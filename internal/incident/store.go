package incident

import (
	"context"
	"time"

	"github.com/linnemanlabs/warden/internal/alert"
	"github.com/linnemanlabs/warden/internal/audit"
)

// UpdateFn mutates an incident under the store's per-key serialization and
// returns the audit record to commit with the mutation. Returning an error
// aborts the update: nothing is persisted and no record is appended.
type UpdateFn func(*Incident) (audit.Record, error)

// Store is the persistence interface for incidents and their attached
// alerts. Implementations must make Create and Update atomic with the
// audit append: a failed append leaves the mutation uncommitted.
type Store interface {
	// Create persists a new incident together with its creation record.
	Create(ctx context.Context, inc *Incident, rec audit.Record) error

	Get(ctx context.Context, id string) (*Incident, bool, error)

	// List returns incidents filtered by status; empty status means all.
	List(ctx context.Context, status Status) ([]*Incident, error)

	// Update applies fn to the incident identified by id. All mutations
	// to one incident are linearizable with respect to each other.
	Update(ctx context.Context, id string, fn UpdateFn) error

	// FindOpenByEntities returns non-Closed incidents that share at least
	// one entity identity key and have activity at or after since.
	FindOpenByEntities(ctx context.Context, keys []string, since time.Time) ([]*Incident, error)

	PutAlert(ctx context.Context, al *alert.Alert) error
	GetAlert(ctx context.Context, id string) (*alert.Alert, bool, error)
}
