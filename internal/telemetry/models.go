package telemetry

import "time"

type Source string

const (
	SourcePolling    Source = "polling"
	SourceGeofence   Source = "geofence"
	SourceHeartbeat  Source = "heartbeat"
	SourceBackground Source = "background"
	SourceManual     Source = "manual"
)

// Geopoint is one raw location fix, written once and never mutated. It only
// feeds post-hoc debugging and reconciliation.
type Geopoint struct {
	ID          int64     `json:"id"`
	OwnerID     string    `json:"owner_id"`
	Lat         float64   `json:"lat"`
	Lng         float64   `json:"lng"`
	AccuracyM   float64   `json:"accuracy_m"`
	Source      Source    `json:"source"`
	InsideFence bool      `json:"inside_fence"`
	LocationID  *string   `json:"location_id,omitempty"`
	RecordedAt  time.Time `json:"recorded_at"`
	CreatedAt   time.Time `json:"created_at"`
}

// DailyStats is the day-bucketed aggregate that bounds storage growth from
// high-frequency background pings.
type DailyStats struct {
	OwnerID          string    `json:"owner_id"`
	Day              time.Time `json:"day"`
	AppOpens         int       `json:"app_opens"`
	GeofenceTriggers int       `json:"geofence_triggers"`
	BackgroundChecks int       `json:"background_checks"`
	AccuracySum      float64   `json:"accuracy_sum"`
	AccuracyCount    int       `json:"accuracy_count"`
	BatterySum       float64   `json:"battery_sum"`
	BatteryCount     int       `json:"battery_count"`
}

func (d DailyStats) AvgAccuracyM() float64 {
	if d.AccuracyCount == 0 {
		return 0
	}
	return d.AccuracySum / float64(d.AccuracyCount)
}

func (d DailyStats) AvgBatteryPercent() float64 {
	if d.BatteryCount == 0 {
		return 0
	}
	return d.BatterySum / float64(d.BatteryCount)
}

type HeartbeatRequest struct {
	AppOpened       bool    `json:"app_opened"`
	GeofenceTrigger bool    `json:"geofence_trigger"`
	BackgroundCheck bool    `json:"background_check"`
	AccuracyM       float64 `json:"accuracy_m"`
	BatteryPercent  float64 `json:"battery_percent" validate:"gte=0"`
}
