package models

import (
	"sort"
	"time"
)

// ModerationEvent is one entry in a comment's append-only moderation history.
// A nil ModeratorID marks an automated transition.
type ModerationEvent struct {
	ID            string       `json:"id"`
	CommentID     string       `json:"comment_id"`
	ModeratorID   *string      `json:"moderator_id,omitempty"`
	PreviousState CommentState `json:"previous_state"`
	NewState      CommentState `json:"new_state"`
	Reason        string       `json:"reason"`
	Score         float64      `json:"score"`
	Version       int64        `json:"version"`
	Timestamp     time.Time    `json:"timestamp"`
}

// Automated returns true if no moderator performed the transition
func (e *ModerationEvent) Automated() bool {
	return e.ModeratorID == nil
}

// Action is what a moderation rule asks for when it fires
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
	ActionFlag    Action = "flag"
	ActionSpam    Action = "spam"
)

// Valid reports whether a is a known action
func (a Action) Valid() bool {
	switch a {
	case ActionApprove, ActionReject, ActionFlag, ActionSpam:
		return true
	}
	return false
}

// TargetState maps an action to the state it moves a pending comment into.
// Flag keeps the comment pending.
func (a Action) TargetState() CommentState {
	switch a {
	case ActionApprove:
		return StateApproved
	case ActionReject:
		return StateRejected
	case ActionSpam:
		return StateSpam
	default:
		return StatePending
	}
}

// Attribute names a field of the comment or author context a condition reads
type Attribute string

const (
	AttrContent            Attribute = "content"
	AttrTrustScore         Attribute = "trust_score"
	AttrAccountAge         Attribute = "account_age" // hours since first seen
	AttrContentLength      Attribute = "content_length"
	AttrLinkCount          Attribute = "link_count"
	AttrIP                 Attribute = "ip"
	AttrUserAgent          Attribute = "user_agent"
	AttrSensitiveWordCount Attribute = "sensitive_word_count"
	AttrMentionCount       Attribute = "mention_count"
)

// Operator names a comparison applied by a condition
type Operator string

const (
	OpEquals     Operator = "equals"
	OpNotEquals  Operator = "not_equals"
	OpContains   Operator = "contains"
	OpNotContain Operator = "not_contains"
	OpStartsWith Operator = "starts_with"
	OpEndsWith   Operator = "ends_with"
	OpGT         Operator = "gt"
	OpGTE        Operator = "gte"
	OpLT         Operator = "lt"
	OpLTE        Operator = "lte"
	OpBetween    Operator = "between"
	OpRegex      Operator = "regex"
	OpIn         Operator = "in"
)

// Condition is a single weighted predicate within a rule
type Condition struct {
	Attribute     Attribute `json:"attribute"`
	Operator      Operator  `json:"operator"`
	Value         string    `json:"value"`
	Weight        float64   `json:"weight,omitempty"`
	CaseSensitive bool      `json:"case_sensitive,omitempty"`
	IsRegex       bool      `json:"is_regex,omitempty"`
}

// EffectiveWeight treats an unset weight as 1
func (c Condition) EffectiveWeight() float64 {
	if c.Weight <= 0 {
		return 1
	}
	return c.Weight
}

// ModerationRule is a named, prioritized set of weighted conditions
type ModerationRule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Priority   int         `json:"priority"`
	Enabled    bool        `json:"enabled"`
	Threshold  float64     `json:"threshold"`
	Conditions []Condition `json:"conditions"`
	Action     Action      `json:"action"`
	CreatedAt  time.Time   `json:"created_at"`
	UpdatedAt  time.Time   `json:"updated_at"`
}

// EffectiveThreshold treats an unset threshold as 1.0 (every condition must match)
func (r *ModerationRule) EffectiveThreshold() float64 {
	if r.Threshold == 0 {
		return 1
	}
	return r.Threshold
}

// SortRules orders rules by priority descending, then id ascending
func SortRules(rules []*ModerationRule) {
	sort.SliceStable(rules, func(i, j int) bool {
		if rules[i].Priority != rules[j].Priority {
			return rules[i].Priority > rules[j].Priority
		}
		return rules[i].ID < rules[j].ID
	})
}

// Verdict source values
const (
	SourceRule       = "rule"
	SourceTrust      = "trust"
	SourceFailClosed = "fail_closed"
)

// Verdict is the outcome of evaluating the rule set for one comment
type Verdict struct {
	Action       Action   `json:"action"`
	Score        float64  `json:"score"`
	MatchedRules []string `json:"matched_rules"`
	Source       string   `json:"source"`
}
