package domain

import "time"

// rank positions a status on the forward path. Unknown statuses (future
// provider vocabulary) rank -1 and are treated as always-transitionable so
// they never poison ingestion.
func rank(s Status) int {
	switch s {
	case StatusQueued:
		return 0
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	case StatusRead:
		return 3
	}
	return -1
}

// CanTransition reports whether a message may move from current to target.
// Transitions only go forward along queued < sent < delivered < read; failed
// is reachable from anywhere. A rejected transition is a no-op for the
// caller, not an error.
func CanTransition(current, target Status) bool {
	if target == StatusFailed {
		return true
	}
	i, j := rank(current), rank(target)
	if i == -1 || j == -1 {
		return true
	}
	return j >= i
}

// StampField names the timestamp column a status sets on first entry, or ""
// when the status carries no stamp.
func StampField(s Status) string {
	switch s {
	case StatusDelivered:
		return "delivered_at"
	case StatusRead:
		return "read_at"
	}
	return ""
}

// ApplyTransition mutates m in place for an allowed transition and reports
// whether anything changed. Stamps are set exactly once.
func ApplyTransition(m *Message, target Status, now time.Time) bool {
	if !CanTransition(m.Status, target) {
		return false
	}
	m.Status = target
	m.UpdatedAt = now
	switch target {
	case StatusDelivered:
		if m.DeliveredAt == nil {
			t := now
			m.DeliveredAt = &t
		}
	case StatusRead:
		if m.ReadAt == nil {
			t := now
			m.ReadAt = &t
		}
	}
	return true
}
