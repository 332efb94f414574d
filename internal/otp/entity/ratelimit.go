package entity

import "time"

const (
	// DefaultRateWindow is the rolling window consulted on issuance.
	DefaultRateWindow = 15 * time.Minute

	// DefaultUserLimit is the maximum issuances per user scope per window.
	DefaultUserLimit = 3

	// DefaultIPLimit is the maximum issuances per IP scope per window.
	DefaultIPLimit = 8
)

// RateLimitEntry is one recorded admission for a scope. Entries are written
// on every successful issuance and aged out once outside the window.
type RateLimitEntry struct {
	ID        int64
	ScopeKey  string
	CreatedAt time.Time
}

// UserScopeKey builds the rate-limit scope key for a user. The user window
// spans all purposes: three issuances for any mix of purposes exhaust it.
func UserScopeKey(userID string) string {
	return "user:" + userID
}

// IPScopeKey builds the rate-limit scope key for a requesting address.
func IPScopeKey(ip string) string {
	return "ip:" + ip
}

// WindowUsage summarizes the live entries for one scope within the window.
// Oldest is only meaningful when Count > 0.
type WindowUsage struct {
	Count  int
	Oldest time.Time
}

// Admission is the rate-limiter verdict for one scope.
type Admission struct {
	Allowed   bool
	Remaining int

	// Cooldown is how long until the oldest in-window entry ages out,
	// rounded up to whole seconds. Zero when admitted.
	Cooldown time.Duration
}

// RatePolicy tunes the rolling-window limiter.
type RatePolicy struct {
	Window    time.Duration
	UserLimit int
	IPLimit   int
}

// DefaultRatePolicy returns the standard window and per-scope limits.
func DefaultRatePolicy() RatePolicy {
	return RatePolicy{Window: DefaultRateWindow, UserLimit: DefaultUserLimit, IPLimit: DefaultIPLimit}
}

// EvaluateWindow decides admission for a scope given its current usage. A
// denied admission carries the cooldown until the window next frees a slot.
func EvaluateWindow(usage WindowUsage, limit int, window time.Duration, now time.Time) Admission {
	if usage.Count < limit {
		return Admission{Allowed: true, Remaining: limit - usage.Count - 1}
	}
	return Admission{
		Allowed:  false,
		Cooldown: CeilDuration(usage.Oldest.Add(window).Sub(now)),
	}
}
