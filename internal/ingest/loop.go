// Package ingest linearizes geofence callbacks. The OS delivers transitions
// asynchronously and possibly batched; everything funnels through a bounded
// queue with a single consumer, so filter and state machine see one event at
// a time in arrival order.
package ingest

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/apperror"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/location"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/noise"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/session"
	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/shared/geo"

	"go.uber.org/zap"
)

// GeofenceEvent is one raw transition as posted by the device.
type GeofenceEvent struct {
	RegionID  string    `json:"region_id" validate:"required"`
	Kind      string    `json:"kind" validate:"oneof=enter exit"`
	At        time.Time `json:"at"`
	Lat       float64   `json:"lat"`
	Lng       float64   `json:"lng"`
	AccuracyM float64   `json:"accuracy_m" validate:"gte=0"`
}

type queued struct {
	OwnerID string
	Event   GeofenceEvent
}

type Broadcaster interface {
	Broadcast(ownerID string, payload []byte)
}

type Loop struct {
	filter     *noise.Filter
	sessions   *session.Service
	locations  *location.Service
	trail      *audit.Recorder
	hub        Broadcaster
	log        *zap.Logger
	events     chan queued
	expireTick time.Duration
	dropped    atomic.Int64
}

func NewLoop(filter *noise.Filter, sessions *session.Service, locations *location.Service,
	trail *audit.Recorder, hub Broadcaster, log *zap.Logger, queueSize int, expireTick time.Duration) *Loop {
	if log == nil {
		log = zap.NewNop()
	}
	if queueSize <= 0 {
		queueSize = 256
	}
	if expireTick <= 0 {
		expireTick = 30 * time.Second
	}
	return &Loop{
		filter:     filter,
		sessions:   sessions,
		locations:  locations,
		trail:      trail,
		hub:        hub,
		log:        log,
		events:     make(chan queued, queueSize),
		expireTick: expireTick,
	}
}

// Enqueue hands an event to the consumer without ever blocking the caller.
// A full queue drops the event and reports false.
func (l *Loop) Enqueue(ownerID string, ev GeofenceEvent) bool {
	select {
	case l.events <- queued{OwnerID: ownerID, Event: ev}:
		return true
	default:
		l.dropped.Add(1)
		l.log.Warn("ingest queue full, event dropped",
			zap.String("owner_id", ownerID),
			zap.String("region_id", ev.RegionID),
			zap.Int64("dropped_total", l.dropped.Load()))
		return false
	}
}

// Dropped reports how many events were shed since startup.
func (l *Loop) Dropped() int64 { return l.dropped.Load() }

// Run consumes until the context is cancelled. A ticker confirms held exits
// whose re-entry window has elapsed.
func (l *Loop) Run(ctx context.Context) {
	ticker := time.NewTicker(l.expireTick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case e := <-l.events:
			l.Process(ctx, e.OwnerID, e.Event)
		case now := <-ticker.C:
			l.ExpirePending(ctx, now)
		}
	}
}

// Process applies one raw event through the filter and state machine.
func (l *Loop) Process(ctx context.Context, ownerID string, ev GeofenceEvent) {
	loc, err := l.locations.Get(ctx, ownerID, ev.RegionID)
	if err != nil {
		l.trail.Anomaly(ctx, apperror.KindGeofence, ownerID, "event for unknown region "+ev.RegionID)
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	raw := noise.RawEvent{
		OwnerID:   ownerID,
		RegionID:  loc.ID,
		Kind:      noise.Kind(ev.Kind),
		At:        ev.At,
		AccuracyM: ev.AccuracyM,
		DistanceM: geo.DistanceM(ev.Lat, ev.Lng, loc.Lat, loc.Lng),
		RadiusM:   loc.RadiusM,
	}

	for _, d := range l.filter.Apply(raw) {
		l.apply(ctx, d, &loc)
	}
}

// ExpirePending flushes held exits past their deadline.
func (l *Loop) ExpirePending(ctx context.Context, now time.Time) {
	for _, d := range l.filter.Expire(now) {
		l.apply(ctx, d, nil)
	}
}

func (l *Loop) apply(ctx context.Context, d noise.Decision, loc *location.Location) {
	l.trail.PingPong(ctx, d.Event)

	switch d.Action {
	case noise.ConfirmEnter:
		if loc == nil {
			return
		}
		sess, created, err := l.sessions.HandleEnter(ctx, *loc, d.EffectiveAt)
		if err != nil {
			l.log.Error("enter transition failed", zap.Error(err))
			return
		}
		if created {
			_ = l.locations.TouchLastSeen(ctx, d.OwnerID, d.RegionID, d.EffectiveAt)
			l.broadcast(d.OwnerID, "session_opened", sess)
		}
	case noise.ConfirmExit:
		closed, err := l.sessions.HandleExit(ctx, d.OwnerID, d.RegionID, d.EffectiveAt)
		if err != nil {
			l.log.Error("exit transition failed", zap.Error(err))
			return
		}
		if closed {
			l.broadcast(d.OwnerID, "session_closed", map[string]any{
				"location_id": d.RegionID,
				"exit_at":     d.EffectiveAt,
			})
		}
	}
}

func (l *Loop) broadcast(ownerID, kind string, payload any) {
	if l.hub == nil {
		return
	}
	msg, err := json.Marshal(map[string]any{"type": kind, "data": payload})
	if err != nil {
		return
	}
	l.hub.Broadcast(ownerID, msg)
}
