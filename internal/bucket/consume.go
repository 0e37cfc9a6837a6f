package bucket

import "math"

// TryConsume takes cost tokens out of state if enough are available at nowMs.
//
// The returned state always carries the refill up to nowMs, admitted or not,
// so a denied caller keeps the partial tokens it has earned.
func TryConsume(c Config, s State, cost float64, nowMs int64) (Result, State) {
	refilled := refill(c, s, nowMs)

	if refilled >= cost {
		left := refilled - cost
		return Result{
			Allowed:   true,
			Remaining: int64(math.Floor(left)),
			Limit:     c.Limit(),
			ResetAt:   resetAt(c, left, nowMs),
		}, State{Tokens: left, LastRefill: nowMs}
	}

	return Result{
		Allowed:    false,
		Remaining:  0,
		Limit:      c.Limit(),
		ResetAt:    resetAt(c, refilled, nowMs),
		RetryAfter: retryAfter(c, refilled, cost),
	}, State{Tokens: refilled, LastRefill: nowMs}
}

func refill(c Config, s State, nowMs int64) float64 {
	elapsed := float64(nowMs-s.LastRefill) / 1000
	if elapsed < 0 {
		// clock skew between instances sharing a store
		elapsed = 0
	}
	tokens := math.Min(c.Capacity, s.Tokens+elapsed*c.RefillRate)
	if tokens < 0 {
		return 0
	}
	return tokens
}

// maxWaitSeconds keeps nowMs + wait*1000 inside int64 for any realistic now.
const maxWaitSeconds = math.MaxInt64 / 2000

// resetAt is floored so it never lies in the future of the real reset.
func resetAt(c Config, tokens float64, nowMs int64) int64 {
	if tokens >= c.Capacity {
		return floorDiv(nowMs, 1000)
	}
	secs := (c.Capacity - tokens) / c.RefillRate
	if secs >= maxWaitSeconds {
		return floorDiv(nowMs, 1000) + maxWaitSeconds
	}
	return int64(math.Floor((float64(nowMs) + secs*1000) / 1000))
}

// retryAfter is the smallest whole number of seconds after which the same
// refill arithmetic admits cost. It can only be met when cost fits in the
// bucket, and it saturates at maxWaitSeconds for vanishing refill rates.
func retryAfter(c Config, tokens, cost float64) int64 {
	secs := math.Ceil((cost - tokens) / c.RefillRate)
	if secs >= maxWaitSeconds {
		return maxWaitSeconds
	}
	wait := int64(secs)
	if wait < 1 {
		wait = 1
	}
	if cost > c.Capacity {
		return wait
	}
	// float rounding can leave the first estimate one step short
	s := State{Tokens: tokens}
	for i := 0; i < 4 && refill(c, s, wait*1000) < cost; i++ {
		wait++
	}
	return wait
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
