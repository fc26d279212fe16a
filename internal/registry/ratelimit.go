package registry

import "time"

// rateState is the per-user sliding window of recent frame timestamps,
// plus the cooldown applied once the window overflows. It is created and
// mutated only under the registry lock and is dropped together with the
// user's last session.
type rateState struct {
	stamps       []time.Time
	blockedUntil time.Time
}

// allow records the frame if it fits inside the window. On overflow it
// rejects and starts a flat cooldown; the cooldown is a plain
// timestamp-plus-duration, deliberately free of wall-clock minute
// arithmetic.
func (s *rateState) allow(now time.Time, limit int, window, cooldown time.Duration) bool {
	if now.Before(s.blockedUntil) {
		return false
	}

	cutoff := now.Add(-window)
	keep := 0
	for keep < len(s.stamps) && !s.stamps[keep].After(cutoff) {
		keep++
	}
	s.stamps = s.stamps[keep:]

	if len(s.stamps) >= limit {
		s.blockedUntil = now.Add(cooldown)
		return false
	}

	s.stamps = append(s.stamps, now)
	return true
}
