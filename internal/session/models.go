package session

import "time"

type Type string

const (
	TypeAutomatic Type = "automatic"
	TypeManual    Type = "manual"
)

// Session is one entry/exit pair at one location. A nil ExitAt means the
// session is open; per owner at most one row may be open at a time.
// The location name and color are denormalized so a record stays displayable
// after its location is deleted.
type Session struct {
	ID              string     `json:"id"`
	OwnerID         string     `json:"owner_id"`
	LocationID      string     `json:"location_id"`
	LocationName    string     `json:"location_name"`
	LocationColor   string     `json:"location_color"`
	EntryAt         time.Time  `json:"entry_at"`
	ExitAt          *time.Time `json:"exit_at,omitempty"`
	Type            Type       `json:"type"`
	ManuallyEdited  bool       `json:"manually_edited"`
	EditReason      string     `json:"edit_reason,omitempty"`
	PauseMinutes    int        `json:"pause_minutes"`
	PausedAt        *time.Time `json:"paused_at,omitempty"`
	NeedsReview     bool       `json:"needs_review"`
	SuggestedExitAt *time.Time `json:"suggested_exit_at,omitempty"`
	DeletedAt       *time.Time `json:"deleted_at,omitempty"`
	UpdatedAt       time.Time  `json:"updated_at"`
	SyncedAt        *time.Time `json:"synced_at,omitempty"`
}

func (s Session) Open() bool   { return s.ExitAt == nil }
func (s Session) Paused() bool { return s.Open() && s.PausedAt != nil }
func (s Session) Dirty() bool  { return s.SyncedAt == nil }

// DurationMinutes derives worked time net of pauses. Duration is never
// stored, so it cannot drift from the timestamps.
func (s Session) DurationMinutes(now time.Time) int {
	end := now
	if s.ExitAt != nil {
		end = *s.ExitAt
	}
	minutes := int(end.Sub(s.EntryAt).Minutes()) - s.PauseMinutes
	if minutes < 0 {
		return 0
	}
	return minutes
}

// Computed is the query-layer view of a session.
type Computed struct {
	Session
	Status          string `json:"status"`
	DurationMinutes int    `json:"duration_minutes"`
}

func Compute(s Session, now time.Time) Computed {
	status := "finished"
	if s.Open() {
		status = "active"
	}
	return Computed{Session: s, Status: status, DurationMinutes: s.DurationMinutes(now)}
}

type EditRequest struct {
	EntryAt      *time.Time `json:"entry_at,omitempty"`
	ExitAt       *time.Time `json:"exit_at,omitempty"`
	PauseMinutes *int       `json:"pause_minutes,omitempty" validate:"omitempty,gte=0"`
	Reason       string     `json:"reason" validate:"required"`
}

type ManualRequest struct {
	LocationID   string     `json:"location_id" validate:"required"`
	EntryAt      time.Time  `json:"entry_at" validate:"required"`
	ExitAt       *time.Time `json:"exit_at,omitempty"`
	PauseMinutes int        `json:"pause_minutes" validate:"gte=0"`
	Reason       string     `json:"reason"`
}
