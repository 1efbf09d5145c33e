package audit

import "time"

type Action string

const (
	ActionCreate   Action = "create"
	ActionUpdate   Action = "update"
	ActionDelete   Action = "delete"
	ActionSyncUp   Action = "sync_up"
	ActionSyncDown Action = "sync_down"
)

type SyncStatus string

const (
	StatusPending  SyncStatus = "pending"
	StatusSynced   SyncStatus = "synced"
	StatusConflict SyncStatus = "conflict"
	StatusFailed   SyncStatus = "failed"
)

// PingPongEvent records one geofence evaluation with enough context to
// reconstruct why the filter decided what it decided.
type PingPongEvent struct {
	OwnerID          string    `json:"owner_id"`
	RegionID         string    `json:"region_id"`
	Decision         string    `json:"decision"`
	DistanceM        float64   `json:"distance_m"`
	RadiusM          float64   `json:"radius_m"`
	EffectiveRadiusM float64   `json:"effective_radius_m"`
	MarginM          float64   `json:"margin_m"`
	MarginPercent    float64   `json:"margin_percent"`
	AccuracyM        float64   `json:"accuracy_m"`
	Oscillating      bool      `json:"oscillating"`
	Confidence       float64   `json:"confidence"`
	At               time.Time `json:"at"`
}

type SyncLogEntry struct {
	ID         int64      `json:"id"`
	EntityType string     `json:"entity_type"`
	EntityID   string     `json:"entity_id"`
	Action     Action     `json:"action"`
	Before     []byte     `json:"before,omitempty"`
	After      []byte     `json:"after,omitempty"`
	SyncStatus SyncStatus `json:"sync_status"`
	Detail     string     `json:"detail,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}
