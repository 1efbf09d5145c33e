// Package reconcile flags sessions left open by missed exit events, e.g. the
// phone died on site. It never closes anything on its own: a sweep only marks
// the session for review with a suggested exit, and closing goes through the
// same edit path a user correction takes.
package reconcile

import (
	"context"
	"errors"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/db"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/session"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/telemetry"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

type Config struct {
	DefaultShift time.Duration
	StaleMargin  time.Duration
	MaxClockSkew time.Duration
}

type Reconciler struct {
	db       db.Querier
	sessions *session.Service
	tel      *telemetry.Service
	trail    *audit.Recorder
	log      *zap.Logger
	cfg      Config
}

func New(q db.Querier, sessions *session.Service, tel *telemetry.Service,
	trail *audit.Recorder, log *zap.Logger, cfg Config) *Reconciler {
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.DefaultShift <= 0 {
		cfg.DefaultShift = 9 * time.Hour
	}
	if cfg.StaleMargin <= 0 {
		cfg.StaleMargin = 3 * time.Hour
	}
	if cfg.MaxClockSkew <= 0 {
		cfg.MaxClockSkew = 5 * time.Minute
	}
	return &Reconciler{db: q, sessions: sessions, tel: tel, trail: trail, log: log, cfg: cfg}
}

type openRow struct {
	ID      string
	OwnerID string
	EntryAt time.Time
}

// Sweep flags every stale open session. Manually edited sessions are excluded
// at the query level, so a user correction can never be overridden here.
func (r *Reconciler) Sweep(ctx context.Context, now time.Time) (int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_id, entry_at
		FROM sessions
		WHERE exit_at IS NULL AND deleted_at IS NULL
		  AND manually_edited = FALSE AND needs_review = FALSE
	`)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindDatabase, "list open sessions", err)
	}
	defer rows.Close()

	var open []openRow
	for rows.Next() {
		var s openRow
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.EntryAt); err != nil {
			return 0, apperror.Wrap(apperror.KindDatabase, "scan open session", err)
		}
		open = append(open, s)
	}

	flagged := 0
	for _, s := range open {
		ok, err := r.sweepOne(ctx, s, now)
		if err != nil {
			r.log.Warn("reconcile sweep failed for session",
				zap.String("session_id", s.ID), zap.Error(err))
			continue
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

// SweepOwner is the on-demand variant scoped to one owner, run when the app
// resumes from background.
func (r *Reconciler) SweepOwner(ctx context.Context, ownerID string, now time.Time) (int, error) {
	rows, err := r.db.Query(ctx, `
		SELECT id, owner_id, entry_at
		FROM sessions
		WHERE owner_id=$1 AND exit_at IS NULL AND deleted_at IS NULL
		  AND manually_edited = FALSE AND needs_review = FALSE
	`, ownerID)
	if err != nil {
		return 0, apperror.Wrap(apperror.KindDatabase, "list open sessions", err)
	}
	defer rows.Close()

	var open []openRow
	for rows.Next() {
		var s openRow
		if err := rows.Scan(&s.ID, &s.OwnerID, &s.EntryAt); err != nil {
			return 0, apperror.Wrap(apperror.KindDatabase, "scan open session", err)
		}
		open = append(open, s)
	}

	flagged := 0
	for _, s := range open {
		ok, err := r.sweepOne(ctx, s, now)
		if err != nil {
			return flagged, err
		}
		if ok {
			flagged++
		}
	}
	return flagged, nil
}

func (r *Reconciler) sweepOne(ctx context.Context, s openRow, now time.Time) (bool, error) {
	avg, err := r.avgShift(ctx, s.OwnerID)
	if err != nil {
		return false, err
	}
	threshold := avg + r.cfg.StaleMargin
	if now.Sub(s.EntryAt) <= threshold {
		return false, nil
	}

	// A recent fix means the worker is plausibly still on site, even though
	// the session has run long.
	last, err := r.tel.LastGeopoint(ctx, s.OwnerID)
	haveSample := err == nil
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return false, apperror.Wrap(apperror.KindDatabase, "last geopoint", err)
	}
	if haveSample && now.Sub(last.RecordedAt) <= r.cfg.StaleMargin {
		return false, nil
	}

	suggested := s.EntryAt.Add(avg)
	if haveSample && last.RecordedAt.After(s.EntryAt) {
		suggested = last.RecordedAt
	}

	tag, err := r.db.Exec(ctx, `
		UPDATE sessions
		SET needs_review=TRUE, suggested_exit_at=$2, updated_at=now(), synced_at=NULL
		WHERE id=$1 AND exit_at IS NULL AND deleted_at IS NULL AND manually_edited=FALSE
	`, s.ID, suggested)
	if err != nil {
		return false, apperror.Wrap(apperror.KindDatabase, "flag stale session", err)
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	r.trail.SyncAction(ctx, "session", s.ID, audit.ActionUpdate, nil,
		map[string]any{"needs_review": true, "suggested_exit_at": suggested},
		audit.StatusPending, "stale open session flagged")
	r.log.Info("stale session flagged",
		zap.String("session_id", s.ID),
		zap.String("owner_id", s.OwnerID),
		zap.Time("suggested_exit_at", suggested))
	return true, nil
}

// avgShift returns the owner's mean closed-session working duration, or the
// configured default shift when there is no history yet.
func (r *Reconciler) avgShift(ctx context.Context, ownerID string) (time.Duration, error) {
	row := r.db.QueryRow(ctx, `
		SELECT AVG(EXTRACT(EPOCH FROM (exit_at - entry_at))/60 - pause_minutes)
		FROM sessions
		WHERE owner_id=$1 AND exit_at IS NOT NULL AND deleted_at IS NULL
	`, ownerID)
	var minutes *float64
	if err := row.Scan(&minutes); err != nil {
		return 0, apperror.Wrap(apperror.KindDatabase, "average shift", err)
	}
	if minutes == nil || *minutes <= 0 {
		return r.cfg.DefaultShift, nil
	}
	return time.Duration(*minutes * float64(time.Minute)), nil
}

// ApplySuggestion closes a flagged session at its suggested exit through the
// regular edit path, so the result carries an edit reason and the manual-edit
// flag like any user correction.
func (r *Reconciler) ApplySuggestion(ctx context.Context, ownerID, id string) (session.Session, error) {
	sess, err := r.sessions.Get(ctx, ownerID, id)
	if err != nil {
		return session.Session{}, err
	}
	if !sess.NeedsReview || sess.SuggestedExitAt == nil {
		return session.Session{}, apperror.New(apperror.KindValidation, "session has no pending suggestion")
	}

	exit := *sess.SuggestedExitAt
	return r.sessions.Edit(ctx, ownerID, id, session.EditRequest{
		ExitAt: &exit,
		Reason: "auto-closed: no activity after " + exit.UTC().Format(time.RFC3339),
	})
}

// CheckClock compares the device clock against server time. Past the allowed
// skew an error row is written and the server time is the one to trust.
func (r *Reconciler) CheckClock(ctx context.Context, ownerID string, deviceAt, serverAt time.Time) time.Time {
	if deviceAt.IsZero() {
		return serverAt
	}
	skew := deviceAt.Sub(serverAt)
	if skew < 0 {
		skew = -skew
	}
	if skew <= r.cfg.MaxClockSkew {
		return deviceAt
	}
	r.trail.Anomaly(ctx, apperror.KindValidation, ownerID,
		"device clock skew "+skew.Round(time.Second).String()+" exceeds limit")
	return serverAt
}
