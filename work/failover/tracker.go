package failover

import (
	"sort"
	"time"

	"kptv-zap/work/metrics"
	"kptv-zap/work/scheduler"

	"github.com/puzpuzpuz/xsync/v3"
)

// Record is the failure bookkeeping of one source URL.
type Record struct {
	URL          string    `json:"url"`
	LastFailedAt time.Time `json:"lastFailedAt"`
	Attempts     int       `json:"attempts"`
}

// Tracker owns the per-source failure records. A source is quarantined while
// now-lastFailedAt < heal and abandoned for the rest of the session once its attempt
// counter exceeds maxAttempts.
type Tracker struct {
	records     *xsync.MapOf[string, Record]
	heal        time.Duration
	maxAttempts int
	clock       scheduler.Clock
	onFailed    func(url string)
}

// NewTracker creates an empty tracker.
func NewTracker(heal time.Duration, maxAttempts int, clock scheduler.Clock) *Tracker {
	if maxAttempts <= 0 {
		maxAttempts = 5
	}
	return &Tracker{
		records:     xsync.NewMapOf[string, Record](),
		heal:        heal,
		maxAttempts: maxAttempts,
		clock:       clock,
	}
}

// OnFailed registers fn to run after every MarkFailed. Set it before the tracker is shared.
func (t *Tracker) OnFailed(fn func(url string)) {
	t.onFailed = fn
}

// MarkFailed stamps url as failed now and bumps its attempt counter.
func (t *Tracker) MarkFailed(url string) Record {
	now := t.clock.Now()
	rec, _ := t.records.Compute(url, func(old Record, loaded bool) (Record, bool) {
		old.URL = url
		old.LastFailedAt = now
		old.Attempts++
		return old, false
	})
	metrics.SourceFailures.Inc()
	if t.onFailed != nil {
		t.onFailed(url)
	}
	return rec
}

// Record returns the bookkeeping for url.
func (t *Tracker) Record(url string) (Record, bool) {
	return t.records.Load(url)
}

// Quarantined reports whether url failed less than the heal interval ago.
func (t *Tracker) Quarantined(url string) bool {
	rec, ok := t.records.Load(url)
	if !ok {
		return false
	}
	return t.clock.Now().Sub(rec.LastFailedAt) < t.heal
}

// Abandoned reports whether url used up its attempts.
func (t *Tracker) Abandoned(url string) bool {
	rec, ok := t.records.Load(url)
	return ok && rec.Attempts > t.maxAttempts
}

// Eligible reports whether url may be selected.
func (t *Tracker) Eligible(url string) bool {
	return url != "" && !t.Quarantined(url) && !t.Abandoned(url)
}

// BestStreams filters mirrors down to eligible ones, keeping order, at most limit of them
// (limit <= 0 means no cap).
func (t *Tracker) BestStreams(mirrors []string, limit int) []string {
	out := make([]string, 0, len(mirrors))
	for _, u := range mirrors {
		if !t.Eligible(u) {
			continue
		}
		out = append(out, u)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Snapshot lists every record, most recent failure first.
func (t *Tracker) Snapshot() []Record {
	out := make([]Record, 0, t.records.Size())
	t.records.Range(func(_ string, rec Record) bool {
		out = append(out, rec)
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		return out[i].LastFailedAt.After(out[j].LastFailedAt)
	})
	return out
}

// Clear drops every record.
func (t *Tracker) Clear() {
	t.records.Clear()
}
