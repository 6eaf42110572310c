// Package quota enforces the per-IP, per-model daily call budget for
// requests served through the chat proxy on the server's own key.
package quota

import (
	"strings"
	"sync"
	"time"
)

// Model id markers for the free tiers. The instruct-tuned quota is keyed on
// the model version string, not the tier suffix used for URL selection.
const (
	instructQuotaMarker = "cosmosrp-3.5"
	freeFamilyMarker    = "cosmosrp"
)

// Limits holds the daily budgets per tier. The pro tier has no budget: the
// proxy never serves it on the server's key, so its effective limit is zero.
type Limits struct {
	FreeDaily     int
	InstructDaily int
}

// DefaultLimits mirrors the production budgets.
func DefaultLimits() Limits {
	return Limits{FreeDaily: 25, InstructDaily: 3}
}

type entry struct {
	date  string
	count int
}

// Result is the outcome of a single check-and-increment.
type Result struct {
	Allowed   bool
	Limit     int
	Remaining int
}

// Tracker counts accepted requests per "{ip}::{model}" key and UTC day.
// State is in-memory only and resets on process restart. Stale keys are
// never evicted; the map is bounded by distinct (IP, model) pairs seen.
type Tracker struct {
	mu      sync.Mutex
	entries map[string]*entry
	limits  Limits
	now     func() time.Time
}

// NewTracker creates a tracker with the given budgets.
func NewTracker(limits Limits) *Tracker {
	return &Tracker{
		entries: make(map[string]*entry),
		limits:  limits,
		now:     time.Now,
	}
}

// WithClock overrides the time source. Test hook.
func (t *Tracker) WithClock(now func() time.Time) *Tracker {
	t.now = now
	return t
}

// NormalizeModel lower-cases a model id for keying and marker matching.
func NormalizeModel(model string) string {
	return strings.ToLower(model)
}

// DailyLimit returns the budget for a model id. Unrecognized and pro-tier
// ids get 0, which rejects every proxy request for them.
func (t *Tracker) DailyLimit(model string) int {
	id := NormalizeModel(model)
	if strings.Contains(id, instructQuotaMarker) {
		return t.limits.InstructDaily
	}
	if strings.Contains(id, freeFamilyMarker) {
		return t.limits.FreeDaily
	}
	return 0
}

// CheckAndIncrement consumes one slot of today's budget for the (ip, model)
// pair. The date check, reset, limit comparison and increment run as a
// single critical section so two racing requests can never both take the
// last slot.
func (t *Tracker) CheckAndIncrement(ip, model string) Result {
	id := NormalizeModel(model)
	limit := t.DailyLimit(id)
	key := ip + "::" + id
	today := t.now().UTC().Format("2006-01-02")

	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.entries[key]
	if !ok || e.date != today {
		e = &entry{date: today}
		t.entries[key] = e
	}

	if e.count >= limit {
		return Result{Allowed: false, Limit: limit, Remaining: 0}
	}

	e.count++
	remaining := limit - e.count
	if remaining < 0 {
		remaining = 0
	}
	return Result{Allowed: true, Limit: limit, Remaining: remaining}
}
