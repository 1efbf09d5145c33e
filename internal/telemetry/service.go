package telemetry

import (
	"context"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/db"
)

type Service struct {
	db db.Querier
}

func NewService(q db.Querier) *Service {
	return &Service{db: q}
}

// RecordGeopoint appends one raw fix to the audit table.
func (s *Service) RecordGeopoint(ctx context.Context, gp Geopoint) (Geopoint, error) {
	if gp.RecordedAt.IsZero() {
		gp.RecordedAt = time.Now()
	}
	row := s.db.QueryRow(ctx, `
		INSERT INTO geopoints (owner_id, lat, lng, accuracy_m, source, inside_fence, location_id, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		RETURNING id, created_at
	`, gp.OwnerID, gp.Lat, gp.Lng, gp.AccuracyM, string(gp.Source), gp.InsideFence, gp.LocationID, gp.RecordedAt)
	if err := row.Scan(&gp.ID, &gp.CreatedAt); err != nil {
		return Geopoint{}, apperror.Wrap(apperror.KindDatabase, "record geopoint", err)
	}
	return gp, nil
}

// LastGeopoint returns the newest fix for the owner, used by reconciliation
// as the last trustworthy sample.
func (s *Service) LastGeopoint(ctx context.Context, ownerID string) (Geopoint, error) {
	row := s.db.QueryRow(ctx, `
		SELECT id, owner_id, lat, lng, accuracy_m, source, inside_fence, location_id, recorded_at, created_at
		FROM geopoints WHERE owner_id=$1
		ORDER BY recorded_at DESC
		LIMIT 1
	`, ownerID)
	var gp Geopoint
	var source string
	if err := row.Scan(&gp.ID, &gp.OwnerID, &gp.Lat, &gp.Lng, &gp.AccuracyM, &source,
		&gp.InsideFence, &gp.LocationID, &gp.RecordedAt, &gp.CreatedAt); err != nil {
		return Geopoint{}, err
	}
	gp.Source = Source(source)
	return gp, nil
}

// Bump folds one heartbeat into the owner's day bucket.
func (s *Service) Bump(ctx context.Context, ownerID string, at time.Time, req HeartbeatRequest) error {
	day := at.UTC().Truncate(24 * time.Hour)

	appOpens := boolToInt(req.AppOpened)
	triggers := boolToInt(req.GeofenceTrigger)
	checks := boolToInt(req.BackgroundCheck)
	accCount := 0
	if req.AccuracyM > 0 {
		accCount = 1
	}
	batCount := 0
	if req.BatteryPercent > 0 {
		batCount = 1
	}

	_, err := s.db.Exec(ctx, `
		INSERT INTO heartbeat_daily (owner_id, day, app_opens, geofence_triggers, background_checks, accuracy_sum, accuracy_count, battery_sum, battery_count)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (owner_id, day) DO UPDATE
		SET app_opens = heartbeat_daily.app_opens + EXCLUDED.app_opens,
		    geofence_triggers = heartbeat_daily.geofence_triggers + EXCLUDED.geofence_triggers,
		    background_checks = heartbeat_daily.background_checks + EXCLUDED.background_checks,
		    accuracy_sum = heartbeat_daily.accuracy_sum + EXCLUDED.accuracy_sum,
		    accuracy_count = heartbeat_daily.accuracy_count + EXCLUDED.accuracy_count,
		    battery_sum = heartbeat_daily.battery_sum + EXCLUDED.battery_sum,
		    battery_count = heartbeat_daily.battery_count + EXCLUDED.battery_count
	`, ownerID, day, appOpens, triggers, checks, req.AccuracyM, accCount, req.BatteryPercent, batCount)
	if err != nil {
		return apperror.Wrap(apperror.KindDatabase, "bump heartbeat", err)
	}
	return nil
}

// Stats returns the aggregate for one day.
func (s *Service) Stats(ctx context.Context, ownerID string, day time.Time) (DailyStats, error) {
	row := s.db.QueryRow(ctx, `
		SELECT owner_id, day, app_opens, geofence_triggers, background_checks, accuracy_sum, accuracy_count, battery_sum, battery_count
		FROM heartbeat_daily WHERE owner_id=$1 AND day=$2
	`, ownerID, day.UTC().Truncate(24*time.Hour))
	var st DailyStats
	if err := row.Scan(&st.OwnerID, &st.Day, &st.AppOpens, &st.GeofenceTriggers, &st.BackgroundChecks,
		&st.AccuracySum, &st.AccuracyCount, &st.BatterySum, &st.BatteryCount); err != nil {
		return DailyStats{}, apperror.Wrap(apperror.KindDatabase, "daily stats", err)
	}
	return st, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
