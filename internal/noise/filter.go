// Package noise turns raw geofence transitions into debounced enter/exit
// decisions. It suppresses boundary oscillation and shrinks the trusted
// radius when GPS accuracy is poor.
package noise

import (
	"time"

	"github.com/onsiteclub/onsite-timekeeper-sub001/internal/audit"
)

type Kind string

const (
	KindEnter Kind = "enter"
	KindExit  Kind = "exit"
)

type Action string

const (
	ConfirmEnter Action = "confirm_enter"
	ConfirmExit  Action = "confirm_exit"
	IgnoreEnter  Action = "ignore_enter"
	IgnoreExit   Action = "ignore_exit"
	Hold         Action = "hold"
)

// RawEvent is one geofence transition as delivered by the platform, enriched
// with the fence's nominal radius by the caller.
type RawEvent struct {
	OwnerID   string
	RegionID  string
	Kind      Kind
	At        time.Time
	AccuracyM float64
	DistanceM float64
	RadiusM   float64
}

// Decision is the filter's verdict on one reading. EffectiveAt carries the
// timestamp a confirmed exit should be applied with, which is the original
// exit time even when confirmation happens later.
type Decision struct {
	Action      Action
	OwnerID     string
	RegionID    string
	EffectiveAt time.Time
	Confidence  float64
	Event       audit.PingPongEvent
}

type Config struct {
	AccuracyThresholdM float64
	GoodAccuracyM      float64
	PoorAccuracyM      float64
	MinRadiusScale     float64
	MinMarginPercent   float64
	BounceExitLimit    int
	BounceWindow       time.Duration
	ReentryWindow      time.Duration
}

type pendingExit struct {
	event    RawEvent
	deadline time.Time
}

type fenceState struct {
	exits   []time.Time
	pending *pendingExit
}

// Filter keeps per-fence bounce state. It is not safe for concurrent use;
// the ingest loop is its single caller.
type Filter struct {
	cfg    Config
	fences map[string]*fenceState
}

func NewFilter(cfg Config) *Filter {
	return &Filter{cfg: cfg, fences: map[string]*fenceState{}}
}

// Apply evaluates one raw event. A single event can yield two decisions when
// a re-entry cancels a pending exit.
func (f *Filter) Apply(ev RawEvent) []Decision {
	st := f.fence(ev.OwnerID, ev.RegionID)

	switch ev.Kind {
	case KindEnter:
		return f.applyEnter(st, ev)
	case KindExit:
		return f.applyExit(st, ev)
	default:
		return nil
	}
}

func (f *Filter) applyEnter(st *fenceState, ev RawEvent) []Decision {
	oscillating := f.oscillating(st, ev.At)

	if st.pending != nil {
		if !ev.At.After(st.pending.deadline) {
			// Re-entry inside the window: the held exit was a bounce. The
			// session never closed, so the enter is a no-op too.
			exitEv := st.pending.event
			st.pending = nil
			return []Decision{
				f.decision(IgnoreExit, exitEv, true, 0.1),
				f.decision(IgnoreEnter, ev, true, 0.1),
			}
		}
		// Enter past the deadline: the held exit was real. Confirm it before
		// the enter so the close and the new open apply in event order.
		exitEv := st.pending.event
		st.pending = nil
		out := []Decision{f.decision(ConfirmExit, exitEv, oscillating, f.confidence(exitEv))}
		if f.lowConfidence(ev) {
			return append(out, f.decision(Hold, ev, oscillating, f.confidence(ev)))
		}
		return append(out, f.decision(ConfirmEnter, ev, oscillating, f.confidence(ev)))
	}

	if f.lowConfidence(ev) {
		return []Decision{f.decision(Hold, ev, oscillating, f.confidence(ev))}
	}
	return []Decision{f.decision(ConfirmEnter, ev, oscillating, f.confidence(ev))}
}

func (f *Filter) applyExit(st *fenceState, ev RawEvent) []Decision {
	st.exits = append(pruneBefore(st.exits, ev.At.Add(-f.cfg.BounceWindow)), ev.At)
	oscillating := f.oscillating(st, ev.At)

	// A false exit truncates billable time; a late exit only inflates it and
	// reconciliation can still correct that. When in doubt, stay open.
	if f.lowConfidence(ev) {
		return []Decision{f.decision(IgnoreExit, ev, oscillating, f.confidence(ev))}
	}
	if len(st.exits) > f.cfg.BounceExitLimit {
		return []Decision{f.decision(IgnoreExit, ev, true, 0.2)}
	}
	if st.pending != nil {
		// Duplicate exit while one is already held.
		return []Decision{f.decision(Hold, ev, oscillating, f.confidence(ev))}
	}

	st.pending = &pendingExit{event: ev, deadline: ev.At.Add(f.cfg.ReentryWindow)}
	return []Decision{f.decision(Hold, ev, oscillating, f.confidence(ev))}
}

// Expire confirms pending exits whose re-entry window has elapsed. The
// confirmed exit keeps its original timestamp.
func (f *Filter) Expire(now time.Time) []Decision {
	var out []Decision
	for _, st := range f.fences {
		if st.pending != nil && now.After(st.pending.deadline) {
			ev := st.pending.event
			st.pending = nil
			out = append(out, f.decision(ConfirmExit, ev, f.oscillating(st, now), f.confidence(ev)))
		}
	}
	return out
}

func (f *Filter) fence(ownerID, regionID string) *fenceState {
	key := ownerID + "/" + regionID
	st, ok := f.fences[key]
	if !ok {
		st = &fenceState{}
		f.fences[key] = st
	}
	return st
}

// oscillating counts without pruning: pruneBefore compacts the backing array
// in place, so only applyExit, which reassigns st.exits, may call it.
func (f *Filter) oscillating(st *fenceState, now time.Time) bool {
	cutoff := now.Add(-f.cfg.BounceWindow)
	recent := 0
	for _, t := range st.exits {
		if t.After(cutoff) {
			recent++
		}
	}
	return recent >= f.cfg.BounceExitLimit
}

// EffectiveRadiusM shrinks the nominal radius as reported accuracy degrades,
// so a reading must be more clearly inside before "enter" is trusted.
func (f *Filter) EffectiveRadiusM(radiusM, accuracyM float64) float64 {
	scale := 1.0
	switch {
	case accuracyM <= f.cfg.GoodAccuracyM:
		scale = 1.0
	case accuracyM >= f.cfg.PoorAccuracyM:
		scale = f.cfg.MinRadiusScale
	default:
		span := f.cfg.PoorAccuracyM - f.cfg.GoodAccuracyM
		scale = 1.0 - (1.0-f.cfg.MinRadiusScale)*(accuracyM-f.cfg.GoodAccuracyM)/span
	}
	return radiusM * scale
}

func (f *Filter) lowConfidence(ev RawEvent) bool {
	if ev.AccuracyM > f.cfg.AccuracyThresholdM {
		return true
	}
	_, marginPct := f.margins(ev)
	return marginPct < f.cfg.MinMarginPercent
}

func (f *Filter) margins(ev RawEvent) (marginM, marginPct float64) {
	eff := f.EffectiveRadiusM(ev.RadiusM, ev.AccuracyM)
	marginM = ev.DistanceM - eff
	if marginM < 0 {
		marginM = -marginM
	}
	if eff > 0 {
		marginPct = marginM / eff
	}
	return marginM, marginPct
}

func (f *Filter) confidence(ev RawEvent) float64 {
	_, marginPct := f.margins(ev)

	marginScore := marginPct / (2 * f.cfg.MinMarginPercent)
	if marginScore > 1 {
		marginScore = 1
	}

	accScore := 1.0
	if ev.AccuracyM > f.cfg.GoodAccuracyM {
		accScore = 1 - (ev.AccuracyM-f.cfg.GoodAccuracyM)/(f.cfg.PoorAccuracyM-f.cfg.GoodAccuracyM)
		if accScore < 0 {
			accScore = 0
		}
	}
	return 0.5*marginScore + 0.5*accScore
}

func (f *Filter) decision(action Action, ev RawEvent, oscillating bool, confidence float64) Decision {
	marginM, marginPct := f.margins(ev)
	return Decision{
		Action:      action,
		OwnerID:     ev.OwnerID,
		RegionID:    ev.RegionID,
		EffectiveAt: ev.At,
		Confidence:  confidence,
		Event: audit.PingPongEvent{
			OwnerID:          ev.OwnerID,
			RegionID:         ev.RegionID,
			Decision:         string(action),
			DistanceM:        ev.DistanceM,
			RadiusM:          ev.RadiusM,
			EffectiveRadiusM: f.EffectiveRadiusM(ev.RadiusM, ev.AccuracyM),
			MarginM:          marginM,
			MarginPercent:    marginPct,
			AccuracyM:        ev.AccuracyM,
			Oscillating:      oscillating,
			Confidence:       confidence,
			At:               ev.At,
		},
	}
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	out := times[:0]
	for _, t := range times {
		if t.After(cutoff) {
			out = append(out, t)
		}
	}
	return out
}
