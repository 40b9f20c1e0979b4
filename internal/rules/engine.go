// Package rules evaluates ordered, weighted moderation rules against a
// comment and its author.
package rules

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/rs/zerolog/log"
	"go.opentelemetry.io/otel/attribute"

	"tangled.org/arabica.social/murmur/internal/content"
	"tangled.org/arabica.social/murmur/internal/metrics"
	"tangled.org/arabica.social/murmur/internal/models"
	"tangled.org/arabica.social/murmur/internal/tracing"
)

// Source loads persisted rules
type Source interface {
	LoadRules(ctx context.Context) ([]*models.ModerationRule, error)
}

// Config holds trust thresholds and evaluation budgets
type Config struct {
	HighTrust          float64       `mapstructure:"high_trust"`
	LowTrust           float64       `mapstructure:"low_trust"`
	AutoRejectLowTrust bool          `mapstructure:"auto_reject_low_trust"`
	ConditionBudget    time.Duration `mapstructure:"condition_budget"`
	EvaluationBudget   time.Duration `mapstructure:"evaluation_budget"`
	SensitiveWords     []string      `mapstructure:"sensitive_words"`
	RegexCacheSize     int           `mapstructure:"regex_cache_size"`
	RulesFile          string        `mapstructure:"rules_file"`
}

// DefaultConfig returns the default engine settings
func DefaultConfig() Config {
	return Config{
		HighTrust:        0.8,
		LowTrust:         0.2,
		ConditionBudget:  50 * time.Millisecond,
		EvaluationBudget: 250 * time.Millisecond,
		RegexCacheSize:   256,
	}
}

// Validate checks the thresholds and budgets
func (c Config) Validate() error {
	if c.LowTrust < 0 || c.HighTrust > 1 || c.LowTrust >= c.HighTrust {
		return &models.ConfigError{Field: "rules", Message: "trust thresholds must satisfy 0 <= low < high <= 1"}
	}
	if c.ConditionBudget <= 0 || c.EvaluationBudget <= 0 {
		return &models.ConfigError{Field: "rules", Message: "budgets must be positive"}
	}
	return nil
}

type condition struct {
	spec    models.Condition
	op      operatorSpec
	numeric bool // attribute is numeric
	weight  float64
	num     float64
	lo, hi  float64
	str     string
	list    []string
	re      *regexp.Regexp
	reErr   error
}

func (c *condition) guarded() bool {
	return c.op.guarded || c.re != nil
}

type compiledRule struct {
	rule       *models.ModerationRule
	conditions []*condition
	total      float64
}

type compiledRegex struct {
	re  *regexp.Regexp
	err error
}

// Engine evaluates the active rule set. It is safe for concurrent use;
// Load swaps the rule set atomically.
type Engine struct {
	mu     sync.RWMutex
	rules  []*compiledRule
	source Source

	cfg     Config
	words   *content.WordList
	regexes *lru.Cache[string, compiledRegex]
	now     func() time.Time
}

// NewEngine creates an engine with no rules. source may be nil.
func NewEngine(cfg Config, source Source) *Engine {
	size := cfg.RegexCacheSize
	if size <= 0 {
		size = 256
	}
	cache, err := lru.New[string, compiledRegex](size)
	if err != nil {
		panic(err)
	}
	return &Engine{
		source:  source,
		cfg:     cfg,
		words:   content.NewWordList(cfg.SensitiveWords),
		regexes: cache,
		now:     time.Now,
	}
}

// Load compiles rules and replaces the active set. Malformed rules are
// skipped; their configuration errors are returned alongside the count of
// rules loaded.
func (e *Engine) Load(rules []*models.ModerationRule) (int, []error) {
	var compiled []*compiledRule
	var errs []error

	sorted := append([]*models.ModerationRule(nil), rules...)
	models.SortRules(sorted)

	for _, r := range sorted {
		if !r.Enabled {
			continue
		}
		cr, err := e.compile(r)
		if err != nil {
			log.Warn().Err(err).Str("rule", r.ID).Msg("rules: skipping malformed rule")
			errs = append(errs, err)
			continue
		}
		compiled = append(compiled, cr)
	}

	e.mu.Lock()
	e.rules = compiled
	e.mu.Unlock()

	log.Info().Int("rules", len(compiled)).Int("skipped", len(errs)).Msg("rules: rule set loaded")
	return len(compiled), errs
}

// Reload re-reads the rule set from the source
func (e *Engine) Reload(ctx context.Context) (int, error) {
	if e.source == nil {
		return e.Count(), nil
	}
	rules, err := e.source.LoadRules(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load rules: %w", err)
	}
	n, _ := e.Load(rules)
	return n, nil
}

// LoadFile reads a JSON array of rules
func LoadFile(path string) ([]*models.ModerationRule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	var rules []*models.ModerationRule
	if err := json.Unmarshal(data, &rules); err != nil {
		return nil, fmt.Errorf("failed to parse rules file: %w", err)
	}
	return rules, nil
}

// Count returns the number of active rules
func (e *Engine) Count() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.rules)
}

// Check validates a rule without loading it
func (e *Engine) Check(r *models.ModerationRule) error {
	_, err := e.compile(r)
	return err
}

func ruleError(r *models.ModerationRule, format string, args ...any) error {
	return &models.ConfigError{Field: "rule " + r.ID, Message: fmt.Sprintf(format, args...)}
}

func (e *Engine) compile(r *models.ModerationRule) (*compiledRule, error) {
	if r.ID == "" {
		return nil, &models.ConfigError{Field: "rule", Message: "id is required"}
	}
	if !r.Action.Valid() {
		return nil, ruleError(r, "unknown action %q", r.Action)
	}
	if t := r.EffectiveThreshold(); t <= 0 || t > 1 {
		return nil, ruleError(r, "threshold %v outside (0,1]", r.Threshold)
	}
	if len(r.Conditions) == 0 {
		return nil, ruleError(r, "has no conditions")
	}

	cr := &compiledRule{rule: r}
	for i, spec := range r.Conditions {
		c, err := e.compileCondition(spec)
		if err != nil {
			return nil, ruleError(r, "condition %d: %v", i, err)
		}
		cr.conditions = append(cr.conditions, c)
		cr.total += c.weight
	}
	return cr, nil
}

func (e *Engine) compileCondition(spec models.Condition) (*condition, error) {
	attr, ok := attributeTable[spec.Attribute]
	if !ok {
		return nil, fmt.Errorf("unknown attribute %q", spec.Attribute)
	}
	op, ok := operatorTable[spec.Operator]
	if !ok {
		return nil, fmt.Errorf("unknown operator %q", spec.Operator)
	}
	if op.numericOnly && !attr.numeric {
		return nil, fmt.Errorf("operator %s requires a numeric attribute", spec.Operator)
	}
	if op.stringOnly && attr.numeric {
		return nil, fmt.Errorf("operator %s requires a string attribute", spec.Operator)
	}
	if spec.IsRegex && attr.numeric {
		return nil, fmt.Errorf("regex matching on numeric attribute %s", spec.Attribute)
	}
	if spec.IsRegex && spec.Operator == models.OpIn {
		return nil, errors.New("operator in matches list items literally and cannot be a regex")
	}
	if spec.Weight < 0 {
		return nil, errors.New("negative weight")
	}

	c := &condition{spec: spec, op: op, numeric: attr.numeric, weight: spec.EffectiveWeight()}

	switch {
	case spec.Operator == models.OpBetween:
		lo, hi, err := parseRange(spec.Value)
		if err != nil {
			return nil, err
		}
		c.lo, c.hi = lo, hi
	case spec.Operator == models.OpIn:
		for _, item := range strings.Split(spec.Value, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			if attr.numeric {
				if _, err := strconv.ParseFloat(item, 64); err != nil {
					return nil, fmt.Errorf("non-numeric list item %q", item)
				}
			} else {
				item = c.fold(item)
			}
			c.list = append(c.list, item)
		}
	case attr.numeric:
		n, err := strconv.ParseFloat(strings.TrimSpace(spec.Value), 64)
		if err != nil {
			return nil, fmt.Errorf("non-numeric value %q", spec.Value)
		}
		c.num = n
	case spec.Operator == models.OpRegex || spec.IsRegex:
		pattern := regexPattern(spec.Operator, spec.Value, spec.CaseSensitive)
		compiled := e.compileRegex(pattern)
		c.re, c.reErr = compiled.re, compiled.err
	default:
		c.str = c.fold(spec.Value)
	}
	return c, nil
}

// compileRegex compiles pattern through the cache. Failures are cached too so
// an invalid pattern is logged once.
func (e *Engine) compileRegex(pattern string) compiledRegex {
	if cached, ok := e.regexes.Get(pattern); ok {
		return cached
	}
	re, err := regexp.Compile(pattern)
	result := compiledRegex{re: re, err: err}
	if err != nil {
		log.Warn().Err(err).Str("pattern", pattern).Msg("rules: invalid regex, condition will never match")
	}
	e.regexes.Add(pattern, result)
	return result
}

func parseRange(v string) (float64, float64, error) {
	parts := strings.Split(v, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("between expects \"lo,hi\", got %q", v)
	}
	lo, err := strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad lower bound %q", parts[0])
	}
	hi, err := strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("bad upper bound %q", parts[1])
	}
	if lo > hi {
		return 0, 0, fmt.Errorf("empty range %q", v)
	}
	return lo, hi, nil
}

// errBudgetExhausted aborts evaluation when the total budget runs out
var errBudgetExhausted = errors.New("evaluation budget exhausted")

// Evaluate runs the rule set in priority order. The first rule whose
// weighted confidence reaches its threshold decides the verdict. With no
// firing rule the author's trust score decides. If the evaluation budget
// runs out the verdict fails closed to flag.
func (e *Engine) Evaluate(ctx context.Context, subject Subject, author AuthorContext) models.Verdict {
	e.mu.RLock()
	active := e.rules
	e.mu.RUnlock()

	start := e.now()
	ctx, span := tracing.RulesSpan(ctx, subject.CommentID, subject.AuthorID, len(active))
	defer span.End()

	ctx, cancel := context.WithTimeout(ctx, e.cfg.EvaluationBudget)
	defer cancel()

	verdict, err := e.evaluate(ctx, active, newInput(subject, author, e.words))
	if err != nil {
		log.Warn().Err(err).Str("comment", subject.CommentID).Msg("rules: evaluation failed closed")
		tracing.EndWithError(span, err)
		verdict = models.Verdict{Action: models.ActionFlag, Source: models.SourceFailClosed}
	}

	span.SetAttributes(
		attribute.String("verdict.action", string(verdict.Action)),
		attribute.String("verdict.source", verdict.Source),
		attribute.Float64("verdict.score", verdict.Score),
	)
	metrics.VerdictsTotal.WithLabelValues(string(verdict.Action), verdict.Source).Inc()
	metrics.RuleEvaluationDuration.Observe(e.now().Sub(start).Seconds())
	return verdict
}

func (e *Engine) evaluate(ctx context.Context, active []*compiledRule, in *input) (models.Verdict, error) {
	for _, cr := range active {
		matched := 0.0
		for _, c := range cr.conditions {
			if err := ctx.Err(); err != nil {
				return models.Verdict{}, fmt.Errorf("rule %s: %w", cr.rule.ID, errBudgetExhausted)
			}
			if e.matches(ctx, c, in) {
				matched += c.weight
			}
		}

		confidence := matched / cr.total
		if confidence >= cr.rule.EffectiveThreshold() {
			metrics.RuleFiresTotal.WithLabelValues(cr.rule.ID).Inc()
			return models.Verdict{
				Action:       cr.rule.Action,
				Score:        confidence,
				MatchedRules: []string{cr.rule.ID},
				Source:       models.SourceRule,
			}, nil
		}
	}

	if err := ctx.Err(); err != nil {
		return models.Verdict{}, errBudgetExhausted
	}
	return e.trustDefault(in.author.TrustScore), nil
}

func (e *Engine) trustDefault(score float64) models.Verdict {
	v := models.Verdict{Action: models.ActionFlag, Score: score, Source: models.SourceTrust}
	switch {
	case score >= e.cfg.HighTrust:
		v.Action = models.ActionApprove
	case score <= e.cfg.LowTrust && e.cfg.AutoRejectLowTrust:
		v.Action = models.ActionReject
	}
	return v
}

func (e *Engine) matches(ctx context.Context, c *condition, in *input) bool {
	if c.reErr != nil {
		return false
	}
	v := in.get(c.spec.Attribute)

	var ok bool
	if c.guarded() {
		var timedOut bool
		ok, timedOut = e.runGuarded(ctx, c, v)
		if timedOut {
			metrics.ConditionTimeoutsTotal.Inc()
			log.Warn().
				Str("attribute", string(c.spec.Attribute)).
				Str("operator", string(c.spec.Operator)).
				Msg("rules: condition exceeded budget, treated as non-matching")
			return false
		}
	} else {
		ok = c.op.match(v, c)
	}

	if c.op.negated {
		return !ok
	}
	return ok
}

// runGuarded evaluates c on its own goroutine and gives up after the
// condition budget or when ctx ends
func (e *Engine) runGuarded(ctx context.Context, c *condition, v value) (bool, bool) {
	done := make(chan bool, 1)
	go func() {
		done <- c.op.match(v, c)
	}()

	timer := time.NewTimer(e.cfg.ConditionBudget)
	defer timer.Stop()

	select {
	case ok := <-done:
		return ok, false
	case <-timer.C:
		return false, true
	case <-ctx.Done():
		return false, true
	}
}
