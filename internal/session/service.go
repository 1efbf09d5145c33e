// Package session holds the session lifecycle state machine. Automatic
// geofence decisions and manual user actions go through the same invariant
// checks: per owner at most one open session, enforced by conditional SQL so
// every transition is a single atomic write.
package session

import (
	"context"
	"errors"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/db"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const sessionColumns = `id, owner_id, location_id, location_name, location_color, entry_at, exit_at, type, manually_edited, edit_reason, pause_minutes, paused_at, needs_review, suggested_exit_at, deleted_at, updated_at, synced_at`

// pauseFlush folds a running pause interval into pause_minutes at close time.
const pauseFlush = `pause_minutes + CASE WHEN paused_at IS NOT NULL
	THEN GREATEST(0, EXTRACT(EPOCH FROM ($2::timestamptz - paused_at))/60)::int
	ELSE 0 END`

type Service struct {
	db    db.Querier
	trail *audit.Recorder
	now   func() time.Time
}

func NewService(q db.Querier, trail *audit.Recorder) *Service {
	return &Service{db: q, trail: trail, now: time.Now}
}

// Current returns the owner's open session, or nil when the state is Closed.
func (s *Service) Current(ctx context.Context, ownerID string) (*Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE owner_id=$1 AND exit_at IS NULL AND deleted_at IS NULL
	`, ownerID)
	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, apperror.Wrap(apperror.KindDatabase, "current session", err)
	}
	return &sess, nil
}

// HandleEnter opens an automatic session at the location. The conditional
// insert makes the call idempotent: while any session is open for the owner,
// including one at this same location, it is a no-op.
func (s *Service) HandleEnter(ctx context.Context, loc location.Location, at time.Time) (Session, bool, error) {
	sess := Session{
		ID:            uuid.NewString(),
		OwnerID:       loc.OwnerID,
		LocationID:    loc.ID,
		LocationName:  loc.Name,
		LocationColor: loc.Color,
		EntryAt:       at,
		Type:          TypeAutomatic,
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, location_id, location_name, location_color, entry_at, type, updated_at, synced_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,now(),NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM sessions WHERE owner_id=$2 AND exit_at IS NULL AND deleted_at IS NULL
		)
	`, sess.ID, sess.OwnerID, sess.LocationID, sess.LocationName, sess.LocationColor, sess.EntryAt, string(sess.Type))
	if err != nil {
		return Session{}, false, apperror.Wrap(apperror.KindDatabase, "open session", err)
	}
	if tag.RowsAffected() == 0 {
		return Session{}, false, nil
	}

	s.trail.SyncAction(ctx, "session", sess.ID, audit.ActionCreate, nil, sess, audit.StatusPending, "auto enter")
	return sess, true, nil
}

// HandleExit closes the owner's open session if it belongs to the location.
// An exit for a different or already-closed session is a no-op.
func (s *Service) HandleExit(ctx context.Context, ownerID, locationID string, at time.Time) (bool, error) {
	row := s.db.QueryRow(ctx, `
		UPDATE sessions
		SET exit_at=$2, pause_minutes = `+pauseFlush+`, paused_at=NULL, updated_at=now(), synced_at=NULL
		WHERE owner_id=$1 AND location_id=$3 AND exit_at IS NULL AND deleted_at IS NULL
		RETURNING id
	`, ownerID, at, locationID)

	var id string
	if err := row.Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return false, nil
		}
		return false, apperror.Wrap(apperror.KindDatabase, "close session", err)
	}

	s.trail.SyncAction(ctx, "session", id, audit.ActionUpdate, nil, map[string]any{"exit_at": at}, audit.StatusPending, "auto exit")
	return true, nil
}

// Start opens a manual session. Unlike the automatic path a conflicting open
// session is a visible validation error, not a silent no-op.
func (s *Service) Start(ctx context.Context, loc location.Location) (Session, error) {
	sess := Session{
		ID:            uuid.NewString(),
		OwnerID:       loc.OwnerID,
		LocationID:    loc.ID,
		LocationName:  loc.Name,
		LocationColor: loc.Color,
		EntryAt:       s.now(),
		Type:          TypeManual,
	}

	tag, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, location_id, location_name, location_color, entry_at, type, updated_at, synced_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,now(),NULL
		WHERE NOT EXISTS (
			SELECT 1 FROM sessions WHERE owner_id=$2 AND exit_at IS NULL AND deleted_at IS NULL
		)
	`, sess.ID, sess.OwnerID, sess.LocationID, sess.LocationName, sess.LocationColor, sess.EntryAt, string(sess.Type))
	if err != nil {
		return Session{}, apperror.Wrap(apperror.KindDatabase, "start session", err)
	}
	if tag.RowsAffected() == 0 {
		return Session{}, apperror.New(apperror.KindValidation, "a session is already open")
	}

	s.trail.SyncAction(ctx, "session", sess.ID, audit.ActionCreate, nil, sess, audit.StatusPending, "manual start")
	return sess, nil
}

// Stop closes the owner's open session regardless of location.
func (s *Service) Stop(ctx context.Context, ownerID string, at time.Time) (Session, error) {
	if at.IsZero() {
		at = s.now()
	}
	row := s.db.QueryRow(ctx, `
		UPDATE sessions
		SET exit_at=$2, pause_minutes = `+pauseFlush+`, paused_at=NULL, updated_at=now(), synced_at=NULL
		WHERE owner_id=$1 AND exit_at IS NULL AND deleted_at IS NULL
		RETURNING `+sessionColumns+`
	`, ownerID, at)

	sess, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Session{}, apperror.New(apperror.KindValidation, "no open session to stop")
		}
		return Session{}, apperror.Wrap(apperror.KindDatabase, "stop session", err)
	}

	s.trail.SyncAction(ctx, "session", sess.ID, audit.ActionUpdate, nil, sess, audit.StatusPending, "manual stop")
	return sess, nil
}

// Pause anchors a wall-clock pause accumulator without touching entry/exit.
func (s *Service) Pause(ctx context.Context, ownerID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET paused_at=$2, updated_at=now(), synced_at=NULL
		WHERE owner_id=$1 AND exit_at IS NULL AND paused_at IS NULL AND deleted_at IS NULL
	`, ownerID, s.now())
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "pause session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindValidation, "no running session to pause")
	}
	return nil
}

// Resume folds the elapsed pause into pause_minutes and clears the anchor.
func (s *Service) Resume(ctx context.Context, ownerID string) error {
	tag, err := s.db.Exec(ctx, `
		UPDATE sessions
		SET pause_minutes = `+pauseFlush+`, paused_at=NULL, updated_at=now(), synced_at=NULL
		WHERE owner_id=$1 AND exit_at IS NULL AND paused_at IS NOT NULL AND deleted_at IS NULL
	`, ownerID, s.now())
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "resume session", err)
	}
	if tag.RowsAffected() == 0 {
		return apperror.New(apperror.KindValidation, "no paused session to resume")
	}
	return nil
}

// Edit applies an explicit correction. Manual edits always win over
// automatic writes and veto later reconciliation changes.
func (s *Service) Edit(ctx context.Context, ownerID, id string, req EditRequest) (Session, error) {
	if req.Reason == "" {
		return Session{}, apperror.New(apperror.KindValidation, "edit reason required")
	}

	before, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return Session{}, err
	}

	after := before
	if req.EntryAt != nil {
		after.EntryAt = *req.EntryAt
	}
	if req.ExitAt != nil {
		after.ExitAt = req.ExitAt
	}
	if req.PauseMinutes != nil {
		after.PauseMinutes = *req.PauseMinutes
	}
	if after.ExitAt != nil && after.ExitAt.Before(after.EntryAt) {
		return Session{}, apperror.New(apperror.KindValidation, "exit must not be before entry")
	}
	after.ManuallyEdited = true
	after.EditReason = req.Reason
	after.NeedsReview = false
	after.SuggestedExitAt = nil

	row := s.db.QueryRow(ctx, `
		UPDATE sessions
		SET entry_at=$3, exit_at=$4, pause_minutes=$5, manually_edited=TRUE, edit_reason=$6,
		    needs_review=FALSE, suggested_exit_at=NULL, updated_at=now(), synced_at=NULL
		WHERE id=$1 AND owner_id=$2
		RETURNING updated_at
	`, id, ownerID, after.EntryAt, after.ExitAt, after.PauseMinutes, after.EditReason)
	if err := row.Scan(&after.UpdatedAt); err != nil {
		return Session{}, apperror.Wrap(apperror.KindDatabase, "edit session", err)
	}
	after.SyncedAt = nil

	s.trail.SyncAction(ctx, "session", id, audit.ActionUpdate, before, after, audit.StatusPending, req.Reason)
	return after, nil
}

// Delete soft-deletes a finished session. An open session cannot be deleted.
func (s *Service) Delete(ctx context.Context, ownerID, id string) error {
	before, err := s.Get(ctx, ownerID, id)
	if err != nil {
		return err
	}
	if before.Open() {
		return apperror.New(apperror.KindValidation, "cannot delete an ongoing session")
	}

	_, err = s.db.Exec(ctx, `
		UPDATE sessions
		SET deleted_at=now(), updated_at=now(), synced_at=NULL
		WHERE id=$1 AND owner_id=$2
	`, id, ownerID)
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "delete session", err)
	}

	s.trail.SyncAction(ctx, "session", id, audit.ActionDelete, before, nil, audit.StatusPending, "")
	return nil
}

// CreateManual records a full manual day, e.g. an absence the worker enters
// after the fact. An open-ended manual record obeys the one-open invariant.
func (s *Service) CreateManual(ctx context.Context, loc location.Location, req ManualRequest) (Session, error) {
	if req.ExitAt != nil && req.ExitAt.Before(req.EntryAt) {
		return Session{}, apperror.New(apperror.KindValidation, "exit must not be before entry")
	}

	sess := Session{
		ID:             uuid.NewString(),
		OwnerID:        loc.OwnerID,
		LocationID:     loc.ID,
		LocationName:   loc.Name,
		LocationColor:  loc.Color,
		EntryAt:        req.EntryAt,
		ExitAt:         req.ExitAt,
		Type:           TypeManual,
		ManuallyEdited: true,
		EditReason:     req.Reason,
		PauseMinutes:   req.PauseMinutes,
	}

	guard := ``
	if req.ExitAt == nil {
		guard = `WHERE NOT EXISTS (
			SELECT 1 FROM sessions WHERE owner_id=$2 AND exit_at IS NULL AND deleted_at IS NULL
		)`
	}
	tag, err := s.db.Exec(ctx, `
		INSERT INTO sessions (id, owner_id, location_id, location_name, location_color, entry_at, exit_at, type, manually_edited, edit_reason, pause_minutes, updated_at, synced_at)
		SELECT $1,$2,$3,$4,$5,$6,$7,'manual',TRUE,$8,$9,now(),NULL
		`+guard, sess.ID, sess.OwnerID, sess.LocationID, sess.LocationName, sess.LocationColor,
		sess.EntryAt, sess.ExitAt, sess.EditReason, sess.PauseMinutes)
	if err != nil {
		return Session{}, apperror.Wrap(apperror.KindDatabase, "create manual session", err)
	}
	if tag.RowsAffected() == 0 {
		return Session{}, apperror.New(apperror.KindValidation, "a session is already open")
	}

	s.trail.SyncAction(ctx, "session", sess.ID, audit.ActionCreate, nil, sess, audit.StatusPending, "manual record")
	return sess, nil
}

func (s *Service) Get(ctx context.Context, ownerID, id string) (Session, error) {
	row := s.db.QueryRow(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions WHERE id=$1 AND owner_id=$2
	`, id, ownerID)
	sess, err := scanSession(row)
	if err != nil {
		return Session{}, apperror.Wrap(apperror.KindDatabase, "get session", err)
	}
	return sess, nil
}

// Range returns computed sessions inside [from, to), newest first.
func (s *Service) Range(ctx context.Context, ownerID string, from, to time.Time) ([]Computed, error) {
	rows, err := s.db.Query(ctx, `
		SELECT `+sessionColumns+`
		FROM sessions
		WHERE owner_id=$1 AND entry_at >= $2 AND entry_at < $3 AND deleted_at IS NULL
		ORDER BY entry_at DESC
	`, ownerID, from, to)
	if err != nil {
		return nil, apperror.Wrap(apperror.KindDatabase, "range sessions", err)
	}
	defer rows.Close()

	now := s.now()
	var out []Computed
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, apperror.Wrap(apperror.KindDatabase, "scan session", err)
		}
		out = append(out, Compute(sess, now))
	}
	return out, nil
}

func scanSession(row interface{ Scan(dest ...any) error }) (Session, error) {
	var sess Session
	var typ string
	err := row.Scan(&sess.ID, &sess.OwnerID, &sess.LocationID, &sess.LocationName, &sess.LocationColor,
		&sess.EntryAt, &sess.ExitAt, &typ, &sess.ManuallyEdited, &sess.EditReason,
		&sess.PauseMinutes, &sess.PausedAt, &sess.NeedsReview, &sess.SuggestedExitAt,
		&sess.DeletedAt, &sess.UpdatedAt, &sess.SyncedAt)
	if err != nil {
		return Session{}, err
	}
	sess.Type = Type(typ)
	return sess, nil
}
