package models

import "time"

// Outcome is a moderation result that moves an author's trust score
type Outcome string

const (
	OutcomeApproved Outcome = "approved"
	OutcomeRejected Outcome = "rejected"
	OutcomeReported Outcome = "reported"
	OutcomeSpam     Outcome = "spam"
)

// OutcomeForState maps the state a comment entered to the trust outcome it
// yields. The second value is false for states that carry no outcome.
func OutcomeForState(s CommentState) (Outcome, bool) {
	switch s {
	case StateApproved:
		return OutcomeApproved, true
	case StateRejected:
		return OutcomeRejected, true
	case StateHidden:
		return OutcomeReported, true
	case StateSpam:
		return OutcomeSpam, true
	}
	return "", false
}

// OutcomeEntry is one timestamped outcome
type OutcomeEntry struct {
	Outcome Outcome   `json:"outcome"`
	At      time.Time `json:"at"`
}

// MaxRecentOutcomes bounds TrustRecord.Recent
const MaxRecentOutcomes = 200

// TrustRecord is the persisted reputation of one author
type TrustRecord struct {
	UserID    string         `json:"user_id"`
	Score     float64        `json:"score"`
	UpdatedAt time.Time      `json:"updated_at"`
	FirstSeen time.Time      `json:"first_seen"`
	Recent    []OutcomeEntry `json:"recent,omitempty"`
}

// Record appends an outcome, pruning entries older than window and keeping at
// most MaxRecentOutcomes.
func (t *TrustRecord) Record(o Outcome, at time.Time, window time.Duration) {
	t.Recent = append(t.Recent, OutcomeEntry{Outcome: o, At: at})
	t.Prune(at, window)
}

// Prune drops outcomes older than window relative to now
func (t *TrustRecord) Prune(now time.Time, window time.Duration) {
	kept := t.Recent[:0]
	for _, e := range t.Recent {
		if window <= 0 || now.Sub(e.At) <= window {
			kept = append(kept, e)
		}
	}
	if len(kept) > MaxRecentOutcomes {
		kept = kept[len(kept)-MaxRecentOutcomes:]
	}
	t.Recent = kept
}

// OutcomeCounts are per-outcome totals over a trailing window
type OutcomeCounts struct {
	Approved int `json:"approved"`
	Rejected int `json:"rejected"`
	Reported int `json:"reported"`
	Spam     int `json:"spam"`
}

// Counts tallies outcomes within window of now
func (t *TrustRecord) Counts(window time.Duration, now time.Time) OutcomeCounts {
	var c OutcomeCounts
	for _, e := range t.Recent {
		if window > 0 && now.Sub(e.At) > window {
			continue
		}
		switch e.Outcome {
		case OutcomeApproved:
			c.Approved++
		case OutcomeRejected:
			c.Rejected++
		case OutcomeReported:
			c.Reported++
		case OutcomeSpam:
			c.Spam++
		}
	}
	return c
}
