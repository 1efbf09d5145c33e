package location

import "time"

type Status string

const (
	StatusActive        Status = "active"
	StatusDeleted       Status = "deleted"
	StatusPendingDelete Status = "pending_delete"
	StatusSyncing       Status = "syncing"
)

// Location is a named geofence owned by exactly one user. Rows are never
// hard-deleted so remote peers can observe deletions.
type Location struct {
	ID         string     `json:"id"`
	OwnerID    string     `json:"owner_id"`
	Name       string     `json:"name"`
	Lat        float64    `json:"lat"`
	Lng        float64    `json:"lng"`
	RadiusM    float64    `json:"radius_m"`
	Color      string     `json:"color"`
	Status     Status     `json:"status"`
	DeletedAt  *time.Time `json:"deleted_at,omitempty"`
	LastSeenAt *time.Time `json:"last_seen_at,omitempty"`
	UpdatedAt  time.Time  `json:"updated_at"`
	SyncedAt   *time.Time `json:"synced_at,omitempty"`
}

// Dirty reports whether the row still needs a sync upload.
func (l Location) Dirty() bool { return l.SyncedAt == nil }

type CreateLocation struct {
	Name    string  `json:"name" validate:"required"`
	Lat     float64 `json:"lat"`
	Lng     float64 `json:"lng"`
	RadiusM float64 `json:"radius_m" validate:"gt=0"`
	Color   string  `json:"color"`
}
