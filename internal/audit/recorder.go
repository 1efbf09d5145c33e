// Package audit appends sync and telemetry trail rows. Append failures are
// swallowed and counted so logging can never take down the engine.
package audit

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/db"

	"go.uber.org/zap"
)

type Recorder struct {
	db      db.Querier
	log     *zap.Logger
	dropped atomic.Int64
}

func NewRecorder(q db.Querier, log *zap.Logger) *Recorder {
	if log == nil {
		log = zap.NewNop()
	}
	return &Recorder{db: q, log: log}
}

// SyncAction appends one sync_log row with before/after snapshots.
func (r *Recorder) SyncAction(ctx context.Context, entityType, entityID string, action Action, before, after any, status SyncStatus, detail string) {
	if r == nil || r.db == nil {
		return
	}
	beforeJSON := marshalSnapshot(before)
	afterJSON := marshalSnapshot(after)

	_, err := r.db.Exec(ctx, `
		INSERT INTO sync_log (entity_type, entity_id, action, before_snapshot, after_snapshot, sync_status, detail)
		VALUES ($1,$2,$3,$4,$5,$6,$7)
	`, entityType, entityID, string(action), beforeJSON, afterJSON, string(status), detail)
	if err != nil {
		r.swallow("sync_log append failed", err)
	}
}

// PingPong appends one geofence evaluation to the error log.
func (r *Recorder) PingPong(ctx context.Context, ev PingPongEvent) {
	if r == nil || r.db == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO error_log (kind, owner_id, region_id, decision, distance_m, radius_m, effective_radius_m, margin_m, margin_percent, accuracy_m, oscillating, confidence, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
	`, string(apperror.KindPingPong), ev.OwnerID, ev.RegionID, ev.Decision,
		ev.DistanceM, ev.RadiusM, ev.EffectiveRadiusM, ev.MarginM, ev.MarginPercent,
		ev.AccuracyM, ev.Oscillating, ev.Confidence, ev.At)
	if err != nil {
		r.swallow("pingpong append failed", err)
	}
}

// Anomaly appends one classified error row.
func (r *Recorder) Anomaly(ctx context.Context, kind apperror.Kind, ownerID, detail string) {
	if r == nil || r.db == nil {
		return
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO error_log (kind, owner_id, detail, occurred_at)
		VALUES ($1,$2,$3,$4)
	`, string(kind), ownerID, detail, time.Now())
	if err != nil {
		r.swallow("anomaly append failed", err)
	}
}

// Sweep removes synced sync_log rows older than the retention window.
func (r *Recorder) Sweep(ctx context.Context, retention time.Duration) (int64, error) {
	if r == nil || r.db == nil {
		return 0, nil
	}
	tag, err := r.db.Exec(ctx, `
		DELETE FROM sync_log
		WHERE sync_status = 'synced' AND created_at < $1
	`, time.Now().Add(-retention))
	if err != nil {
		return 0, apperror.Wrap(apperror.KindDatabase, "sync_log retention sweep", err)
	}
	return tag.RowsAffected(), nil
}

// Dropped reports how many appends have been swallowed since startup.
func (r *Recorder) Dropped() int64 {
	if r == nil {
		return 0
	}
	return r.dropped.Load()
}

func (r *Recorder) swallow(msg string, err error) {
	r.dropped.Add(1)
	r.log.Warn(msg, zap.Error(err), zap.Int64("dropped_total", r.dropped.Load()))
}

func marshalSnapshot(v any) []byte {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil
	}
	return b
}
