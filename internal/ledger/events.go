package ledger

import (
	"encoding/json"
	"fmt"
	"math/big"
	"sort"
)

// Positional layout of a GridEvent when the gateway returns the struct as a
// sequence instead of a map.
const (
	posEventType = iota
	posDuration
	posCompensationRate
	posTargetReduction
	posCreatedAt
	posStartTime
	posEndTime
	posActive
	posTotalParticipants
	posTotalEnergyReduced
	posCompleted
)

// decodedEvents is the outcome of decoding a get_active_events result.
type decodedEvents struct {
	events []GridEvent

	// ids that arrived without event data and must be resolved with get_event
	ids []uint64

	// per-item problems; the item is skipped
	skipped []error
}

// decodeEvents accepts a sequence of (id, data) pairs, a sequence of event
// data whose index is the id, a sequence of bare ids, or any of these behind
// a tagged-union or indirection wrapper.
func (d decoder) decodeEvents(raw any) (decodedEvents, error) {
	var out decodedEvents

	items, err := d.List(raw)
	if err != nil {
		return out, err
	}

	for idx, item := range items {
		item, err := d.unwrap(item)
		if err != nil {
			out.skipped = append(out.skipped, fmt.Errorf("event %d: %w", idx, err))
			continue
		}

		switch t := item.(type) {
		case []any:
			if len(t) == 2 && isScalar(t[0]) && isComposite(t[1]) {
				id, err := d.Uint64(t[0])
				if err != nil {
					out.skipped = append(out.skipped, fmt.Errorf("event %d id: %w", idx, err))
					continue
				}
				ev, err := d.decodeEventData(id, t[1])
				if err != nil {
					out.skipped = append(out.skipped, fmt.Errorf("event %d: %w", id, err))
					continue
				}
				out.events = append(out.events, ev)
				continue
			}
			ev, err := d.decodeEventData(uint64(idx), t)
			if err != nil {
				out.skipped = append(out.skipped, fmt.Errorf("event %d: %w", idx, err))
				continue
			}
			out.events = append(out.events, ev)

		case map[string]any:
			id := uint64(idx)
			if rawID, ok := field(t, "event_id", "id"); ok {
				if id, err = d.Uint64(rawID); err != nil {
					out.skipped = append(out.skipped, fmt.Errorf("event %d id: %w", idx, err))
					continue
				}
			}
			ev, err := d.decodeEventData(id, t)
			if err != nil {
				out.skipped = append(out.skipped, fmt.Errorf("event %d: %w", id, err))
				continue
			}
			out.events = append(out.events, ev)

		default:
			id, err := d.Uint64(t)
			if err != nil {
				out.skipped = append(out.skipped, fmt.Errorf("event %d: unexpected item %T: %w", idx, t, err))
				continue
			}
			out.ids = append(out.ids, id)
		}
	}

	return out, nil
}

func (d decoder) decodeEventData(id uint64, raw any) (GridEvent, error) {
	v, err := d.unwrap(raw)
	if err != nil {
		return GridEvent{}, err
	}

	switch t := v.(type) {
	case map[string]any:
		return d.eventFromMap(id, t)
	case []any:
		return d.eventFromSequence(id, t)
	case nil:
		return GridEvent{}, ErrEventNotFound
	default:
		return GridEvent{}, malformed("event data has type %T", v)
	}
}

func (d decoder) eventFromMap(id uint64, m map[string]any) (GridEvent, error) {
	ev := GridEvent{
		EventID:                   id,
		EventType:                 EventUnknown,
		CompensationRateWeiPerKwh: new(big.Int),
		// returned by the active-events query, so active unless stated otherwise
		Active: true,
	}

	var err error
	if v, ok := field(m, "event_type"); ok {
		ev.EventType = eventTypeTag(v)
	}
	if v, ok := field(m, "target_reduction_kw"); ok {
		if ev.TargetReductionKw, err = d.Uint32(v); err != nil {
			return ev, fmt.Errorf("target_reduction_kw: %w", err)
		}
	}
	if v, ok := field(m, "base_compensation_rate", "compensation_rate"); ok {
		if ev.CompensationRateWeiPerKwh, err = d.BigInt(v); err != nil {
			return ev, fmt.Errorf("compensation rate: %w", err)
		}
	}
	if v, ok := field(m, "duration_minutes"); ok {
		if ev.DurationMinutes, err = d.Uint32(v); err != nil {
			return ev, fmt.Errorf("duration_minutes: %w", err)
		}
	}
	if v, ok := field(m, "active"); ok {
		if ev.Active, err = d.Bool(v); err != nil {
			return ev, fmt.Errorf("active: %w", err)
		}
	}

	// optional, tolerated when malformed
	if v, ok := field(m, "start_time"); ok {
		ev.StartTime, _ = d.Uint64(v)
	}
	if v, ok := field(m, "end_time"); ok {
		ev.EndTime, _ = d.Uint64(v)
	}
	if v, ok := field(m, "total_participants"); ok {
		ev.TotalParticipants, _ = d.Uint32(v)
	}
	if v, ok := field(m, "total_energy_reduced"); ok {
		ev.TotalEnergyReduced, _ = d.Uint64(v)
	}
	if v, ok := field(m, "completed"); ok {
		ev.Completed, _ = d.Bool(v)
	}

	return ev, nil
}

func (d decoder) eventFromSequence(id uint64, s []any) (GridEvent, error) {
	if len(s) <= posTargetReduction {
		return GridEvent{}, malformed("event sequence has %d fields", len(s))
	}

	m := map[string]any{
		"event_type":             s[posEventType],
		"duration_minutes":       s[posDuration],
		"base_compensation_rate": s[posCompensationRate],
		"target_reduction_kw":    s[posTargetReduction],
	}
	optional := []struct {
		pos int
		key string
	}{
		{posStartTime, "start_time"},
		{posEndTime, "end_time"},
		{posActive, "active"},
		{posTotalParticipants, "total_participants"},
		{posTotalEnergyReduced, "total_energy_reduced"},
		{posCompleted, "completed"},
	}
	for _, o := range optional {
		if o.pos < len(s) {
			m[o.key] = s[o.pos]
		}
	}
	return d.eventFromMap(id, m)
}

// eventTypeTag normalizes an enum that arrives either as a bare string or as
// a single-key map whose key is the variant.
func eventTypeTag(v any) string {
	switch t := v.(type) {
	case string:
		if t == "" {
			return EventUnknown
		}
		return t
	case map[string]any:
		if len(t) == 0 {
			return EventUnknown
		}
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		return keys[0]
	default:
		return EventUnknown
	}
}

func isScalar(v any) bool {
	switch v.(type) {
	case json.Number, float64, int, int64, uint64, string:
		return true
	}
	return false
}

func isComposite(v any) bool {
	switch v.(type) {
	case map[string]any, []any:
		return true
	}
	return false
}
