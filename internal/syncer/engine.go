package syncer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/db"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/session"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

// Engine pushes dirty rows up and pulls remote changes down. Push and pull
// for one entity type are serialized behind a mutex; the two entity types run
// independently.
type Engine struct {
	db        db.Querier
	remote    RemoteStore
	trail     *audit.Recorder
	log       *zap.Logger
	batchSize int

	locMu     sync.Mutex
	sessMu    sync.Mutex
	locSince  time.Time
	sessSince time.Time
}

func NewEngine(q db.Querier, remote RemoteStore, trail *audit.Recorder, log *zap.Logger, batchSize int) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Engine{db: q, remote: remote, trail: trail, log: log, batchSize: batchSize}
}

// Sync runs a full round for both entity types.
func (e *Engine) Sync(ctx context.Context) error {
	var wg sync.WaitGroup
	var locErr, sessErr error

	wg.Add(2)
	go func() {
		defer wg.Done()
		locErr = e.SyncLocations(ctx)
	}()
	go func() {
		defer wg.Done()
		sessErr = e.SyncSessions(ctx)
	}()
	wg.Wait()

	return errors.Join(locErr, sessErr)
}

func (e *Engine) SyncLocations(ctx context.Context) error {
	e.locMu.Lock()
	defer e.locMu.Unlock()

	if err := e.pushLocations(ctx); err != nil {
		return err
	}
	return e.pullLocations(ctx)
}

func (e *Engine) SyncSessions(ctx context.Context) error {
	e.sessMu.Lock()
	defer e.sessMu.Unlock()

	if err := e.pushSessions(ctx); err != nil {
		return err
	}
	return e.pullSessions(ctx)
}

func (e *Engine) pushLocations(ctx context.Context) error {
	cursor := ""
	for {
		rows, err := e.db.Query(ctx, `
			SELECT id, owner_id, name, lat, lng, radius_m, color, status, deleted_at, last_seen_at, updated_at, synced_at
			FROM locations
			WHERE synced_at IS NULL AND id > $1
			ORDER BY id
			LIMIT $2
		`, cursor, e.batchSize)
		if err != nil {
			return apperror.Wrap(apperror.KindDatabase, "load dirty locations", err)
		}

		var batch []location.Location
		for rows.Next() {
			var l location.Location
			var status string
			if err := rows.Scan(&l.ID, &l.OwnerID, &l.Name, &l.Lat, &l.Lng, &l.RadiusM, &l.Color,
				&status, &l.DeletedAt, &l.LastSeenAt, &l.UpdatedAt, &l.SyncedAt); err != nil {
				rows.Close()
				return apperror.Wrap(apperror.KindDatabase, "scan dirty location", err)
			}
			l.Status = location.Status(status)
			batch = append(batch, l)
		}
		rows.Close()
		if len(batch) == 0 {
			return nil
		}
		cursor = batch[len(batch)-1].ID

		rejected, err := e.remote.PushLocations(ctx, batch)
		if err != nil {
			e.trail.SyncAction(ctx, "location", "", audit.ActionSyncUp, nil, nil, audit.StatusFailed, err.Error())
			return err
		}

		bad := make(map[string]string, len(rejected))
		for _, rj := range rejected {
			bad[rj.ID] = rj.Reason
			e.trail.SyncAction(ctx, "location", rj.ID, audit.ActionSyncUp, nil, nil, audit.StatusFailed, rj.Reason)
		}

		stamped := 0
		for _, l := range batch {
			if _, skip := bad[l.ID]; skip {
				continue
			}
			// updated_at guard: a local edit racing this push keeps the row dirty
			tag, err := e.db.Exec(ctx, `
				UPDATE locations SET synced_at=now() WHERE id=$1 AND updated_at=$2
			`, l.ID, l.UpdatedAt)
			if err != nil {
				return apperror.Wrap(apperror.KindDatabase, "stamp location", err)
			}
			if tag.RowsAffected() == 1 {
				stamped++
			}
		}
		e.trail.SyncAction(ctx, "location", "", audit.ActionSyncUp, nil,
			map[string]any{"pushed": stamped, "rejected": len(rejected)}, audit.StatusSynced, "")

		if len(batch) < e.batchSize {
			return nil
		}
	}
}

func (e *Engine) pullLocations(ctx context.Context) error {
	remote, err := e.remote.PullLocations(ctx, e.locSince)
	if err != nil {
		e.trail.SyncAction(ctx, "location", "", audit.ActionSyncDown, nil, nil, audit.StatusFailed, err.Error())
		return err
	}

	watermark := e.locSince
	for _, r := range remote {
		if r.UpdatedAt.After(watermark) {
			watermark = r.UpdatedAt
		}
		if err := e.applyRemoteLocation(ctx, r); err != nil {
			e.log.Warn("pull apply failed", zap.String("location_id", r.ID), zap.Error(err))
		}
	}
	e.locSince = watermark
	return nil
}

func (e *Engine) applyRemoteLocation(ctx context.Context, r location.Location) error {
	row := e.db.QueryRow(ctx, `SELECT updated_at FROM locations WHERE id=$1`, r.ID)
	var localUpdated time.Time
	err := row.Scan(&localUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = e.db.Exec(ctx, `
			INSERT INTO locations (id, owner_id, name, lat, lng, radius_m, color, status, deleted_at, last_seen_at, updated_at, synced_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,now())
		`, r.ID, r.OwnerID, r.Name, r.Lat, r.Lng, r.RadiusM, r.Color, string(r.Status),
			r.DeletedAt, r.LastSeenAt, r.UpdatedAt)
		if err != nil {
			return apperror.Wrap(apperror.KindDatabase, "insert pulled location", err)
		}
		e.trail.SyncAction(ctx, "location", r.ID, audit.ActionSyncDown, nil, r, audit.StatusSynced, "")
		return nil
	}
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "lookup local location", err)
	}

	if r.UpdatedAt.After(localUpdated) {
		_, err = e.db.Exec(ctx, `
			UPDATE locations
			SET owner_id=$2, name=$3, lat=$4, lng=$5, radius_m=$6, color=$7, status=$8,
			    deleted_at=$9, last_seen_at=$10, updated_at=$11, synced_at=now()
			WHERE id=$1
		`, r.ID, r.OwnerID, r.Name, r.Lat, r.Lng, r.RadiusM, r.Color, string(r.Status),
			r.DeletedAt, r.LastSeenAt, r.UpdatedAt)
		if err != nil {
			return apperror.Wrap(apperror.KindDatabase, "overwrite local location", err)
		}
		e.trail.SyncAction(ctx, "location", r.ID, audit.ActionSyncDown, nil, r, audit.StatusSynced, "remote newer")
		return nil
	}
	if localUpdated.After(r.UpdatedAt) {
		// local wins, remote copy discarded
		e.trail.SyncAction(ctx, "location", r.ID, audit.ActionSyncDown, r, nil, audit.StatusConflict, "local newer")
	}
	return nil
}

func (e *Engine) pushSessions(ctx context.Context) error {
	cursor := ""
	for {
		rows, err := e.db.Query(ctx, `
			SELECT id, owner_id, location_id, location_name, location_color, entry_at, exit_at, type, manually_edited, edit_reason, pause_minutes, paused_at, needs_review, suggested_exit_at, deleted_at, updated_at, synced_at
			FROM sessions
			WHERE synced_at IS NULL AND id > $1
			ORDER BY id
			LIMIT $2
		`, cursor, e.batchSize)
		if err != nil {
			return apperror.Wrap(apperror.KindDatabase, "load dirty sessions", err)
		}

		var batch []session.Session
		for rows.Next() {
			var s session.Session
			var typ string
			if err := rows.Scan(&s.ID, &s.OwnerID, &s.LocationID, &s.LocationName, &s.LocationColor,
				&s.EntryAt, &s.ExitAt, &typ, &s.ManuallyEdited, &s.EditReason,
				&s.PauseMinutes, &s.PausedAt, &s.NeedsReview, &s.SuggestedExitAt,
				&s.DeletedAt, &s.UpdatedAt, &s.SyncedAt); err != nil {
				rows.Close()
				return apperror.Wrap(apperror.KindDatabase, "scan dirty session", err)
			}
			s.Type = session.Type(typ)
			batch = append(batch, s)
		}
		rows.Close()
		if len(batch) == 0 {
			return nil
		}
		cursor = batch[len(batch)-1].ID

		rejected, err := e.remote.PushSessions(ctx, batch)
		if err != nil {
			e.trail.SyncAction(ctx, "session", "", audit.ActionSyncUp, nil, nil, audit.StatusFailed, err.Error())
			return err
		}

		bad := make(map[string]string, len(rejected))
		for _, rj := range rejected {
			bad[rj.ID] = rj.Reason
			e.trail.SyncAction(ctx, "session", rj.ID, audit.ActionSyncUp, nil, nil, audit.StatusFailed, rj.Reason)
		}

		stamped := 0
		for _, s := range batch {
			if _, skip := bad[s.ID]; skip {
				continue
			}
			tag, err := e.db.Exec(ctx, `
				UPDATE sessions SET synced_at=now() WHERE id=$1 AND updated_at=$2
			`, s.ID, s.UpdatedAt)
			if err != nil {
				return apperror.Wrap(apperror.KindDatabase, "stamp session", err)
			}
			if tag.RowsAffected() == 1 {
				stamped++
			}
		}
		e.trail.SyncAction(ctx, "session", "", audit.ActionSyncUp, nil,
			map[string]any{"pushed": stamped, "rejected": len(rejected)}, audit.StatusSynced, "")

		if len(batch) < e.batchSize {
			return nil
		}
	}
}

func (e *Engine) pullSessions(ctx context.Context) error {
	remote, err := e.remote.PullSessions(ctx, e.sessSince)
	if err != nil {
		e.trail.SyncAction(ctx, "session", "", audit.ActionSyncDown, nil, nil, audit.StatusFailed, err.Error())
		return err
	}

	watermark := e.sessSince
	for _, r := range remote {
		if r.UpdatedAt.After(watermark) {
			watermark = r.UpdatedAt
		}
		if err := e.applyRemoteSession(ctx, r); err != nil {
			e.log.Warn("pull apply failed", zap.String("session_id", r.ID), zap.Error(err))
		}
	}
	e.sessSince = watermark
	return nil
}

func (e *Engine) applyRemoteSession(ctx context.Context, r session.Session) error {
	row := e.db.QueryRow(ctx, `SELECT updated_at FROM sessions WHERE id=$1`, r.ID)
	var localUpdated time.Time
	err := row.Scan(&localUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		_, err = e.db.Exec(ctx, `
			INSERT INTO sessions (id, owner_id, location_id, location_name, location_color, entry_at, exit_at, type, manually_edited, edit_reason, pause_minutes, paused_at, needs_review, suggested_exit_at, deleted_at, updated_at, synced_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,now())
		`, r.ID, r.OwnerID, r.LocationID, r.LocationName, r.LocationColor,
			r.EntryAt, r.ExitAt, string(r.Type), r.ManuallyEdited, r.EditReason,
			r.PauseMinutes, r.PausedAt, r.NeedsReview, r.SuggestedExitAt, r.DeletedAt, r.UpdatedAt)
		if err != nil {
			return apperror.Wrap(apperror.KindDatabase, "insert pulled session", err)
		}
		e.trail.SyncAction(ctx, "session", r.ID, audit.ActionSyncDown, nil, r, audit.StatusSynced, "")
		return nil
	}
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "lookup local session", err)
	}

	if r.UpdatedAt.After(localUpdated) {
		_, err = e.db.Exec(ctx, `
			UPDATE sessions
			SET owner_id=$2, location_id=$3, location_name=$4, location_color=$5, entry_at=$6,
			    exit_at=$7, type=$8, manually_edited=$9, edit_reason=$10, pause_minutes=$11,
			    paused_at=$12, needs_review=$13, suggested_exit_at=$14, deleted_at=$15,
			    updated_at=$16, synced_at=now()
			WHERE id=$1
		`, r.ID, r.OwnerID, r.LocationID, r.LocationName, r.LocationColor,
			r.EntryAt, r.ExitAt, string(r.Type), r.ManuallyEdited, r.EditReason,
			r.PauseMinutes, r.PausedAt, r.NeedsReview, r.SuggestedExitAt, r.DeletedAt, r.UpdatedAt)
		if err != nil {
			return apperror.Wrap(apperror.KindDatabase, "overwrite local session", err)
		}
		e.trail.SyncAction(ctx, "session", r.ID, audit.ActionSyncDown, nil, r, audit.StatusSynced, "remote newer")
		return nil
	}
	if localUpdated.After(r.UpdatedAt) {
		e.trail.SyncAction(ctx, "session", r.ID, audit.ActionSyncDown, r, nil, audit.StatusConflict, "local newer")
	}
	return nil
}
