package alerts

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/spiderfoot/fabric/pkg/log"
	"github.com/spiderfoot/fabric/pkg/metrics"
	"github.com/spiderfoot/fabric/pkg/types"
)

var (
	// ErrRuleExists is returned by AddRule for duplicate rule names.
	ErrRuleExists = errors.New("alerts: rule already exists")

	// ErrRuleNotFound is returned for unknown rule names.
	ErrRuleNotFound = errors.New("alerts: rule not found")

	// ErrUnknownOperator is returned by AddRule when a condition names an
	// operator its kind does not support.
	ErrUnknownOperator = errors.New("alerts: unknown operator")
)

// ConditionKind selects what a condition inspects in the event context.
type ConditionKind string

const (
	// KindEventType compares against context["event_type"].
	KindEventType ConditionKind = "event_type"

	// KindPattern runs a regex search of Value against context["data"].
	KindPattern ConditionKind = "pattern"

	// KindSeverity compares numerically against context["severity"].
	KindSeverity ConditionKind = "severity"

	// KindCount compares numerically against context["count"].
	KindCount ConditionKind = "count"

	// KindRate compares numerically against context["rate"].
	KindRate ConditionKind = "rate"

	// KindCustom invokes the condition's Custom closure.
	KindCustom ConditionKind = "custom"
)

// Operator is a condition comparison. Numeric kinds accept gte, lte, gt, lt,
// and eq; event_type additionally accepts contains and matches.
type Operator string

const (
	OpGTE      Operator = "gte"
	OpLTE      Operator = "lte"
	OpGT       Operator = "gt"
	OpLT       Operator = "lt"
	OpEQ       Operator = "eq"
	OpContains Operator = "contains"
	OpMatches  Operator = "matches"
)

// Condition is one predicate within a rule. Custom closures are not
// serializable and only usable through the Go API.
type Condition struct {
	Kind     ConditionKind             `json:"kind"`
	Value    any                       `json:"value,omitempty"`
	Operator Operator                  `json:"operator,omitempty"`
	Custom   func(map[string]any) bool `json:"-"`

	re *regexp.Regexp // compiled at AddRule for pattern and matches
}

// Rule is a named predicate set that emits alerts when events match.
type Rule struct {
	Name            string         `json:"name"`
	Severity        types.Severity `json:"severity"`
	Message         string         `json:"message"`
	Conditions      []Condition    `json:"conditions"`
	MatchAll        bool           `json:"match_all"`
	CooldownSeconds float64        `json:"cooldown_seconds"`
	MaxAlerts       int            `json:"max_alerts"`
	Enabled         bool           `json:"enabled"`
	AlertCount      int            `json:"alert_count"`
	LastAlertTime   *time.Time     `json:"last_alert_time,omitempty"`
}

func (r *Rule) clone() *Rule {
	cp := *r
	cp.Conditions = append([]Condition(nil), r.Conditions...)
	if r.LastAlertTime != nil {
		last := *r.LastAlertTime
		cp.LastAlertTime = &last
	}
	return &cp
}

// Handler observes fired alerts. Handlers run synchronously inside Evaluate
// after the engine lock is released; panics are isolated.
type Handler func(*types.Alert)

// Config tunes the engine. Zero values fall back to defaults.
type Config struct {
	// MaxHistory caps the retained alert history.
	MaxHistory int
}

func (c Config) withDefaults() Config {
	out := c
	if out.MaxHistory <= 0 {
		out.MaxHistory = 1000
	}
	return out
}

// Engine evaluates event contexts against the registered rules. All methods
// are safe for concurrent callers.
type Engine struct {
	cfg    Config
	logger zerolog.Logger

	mu       sync.Mutex
	rules    map[string]*Rule
	handlers []Handler
	history  []*types.Alert
}

// New builds an empty engine.
func New(cfg Config) *Engine {
	return &Engine{
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("alerts"),
		rules:  make(map[string]*Rule),
	}
}

// AddRule validates and registers a rule. The engine keeps its own copy;
// later mutation of the caller's struct has no effect.
func (e *Engine) AddRule(r *Rule) error {
	if r == nil || r.Name == "" {
		return fmt.Errorf("alerts: rule needs a name")
	}
	severity := r.Severity
	if severity == "" {
		severity = types.SeverityMedium
	}
	sev, err := types.ParseSeverity(string(severity))
	if err != nil {
		return fmt.Errorf("alerts: rule %s: %w", r.Name, err)
	}

	cp := r.clone()
	cp.Severity = sev
	for i := range cp.Conditions {
		if err := compileCondition(&cp.Conditions[i]); err != nil {
			return fmt.Errorf("alerts: rule %s condition %d: %w", r.Name, i, err)
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[cp.Name]; exists {
		return fmt.Errorf("%w: %s", ErrRuleExists, cp.Name)
	}
	e.rules[cp.Name] = cp
	e.logger.Info().Str("rule", cp.Name).Str("severity", string(cp.Severity)).Msg("alert rule added")
	return nil
}

// compileCondition validates the kind/operator pairing and pre-compiles
// regex values.
func compileCondition(c *Condition) error {
	switch c.Kind {
	case KindEventType:
		switch c.Operator {
		case "", OpEQ, OpContains:
		case OpMatches:
			return compileRegex(c)
		default:
			return fmt.Errorf("%w: %s for %s", ErrUnknownOperator, c.Operator, c.Kind)
		}
	case KindPattern:
		// Pattern is inherently a regex search; no operator applies.
		if c.Operator != "" && c.Operator != OpMatches {
			return fmt.Errorf("%w: %s for %s", ErrUnknownOperator, c.Operator, c.Kind)
		}
		return compileRegex(c)
	case KindSeverity, KindCount, KindRate:
		switch c.Operator {
		case "", OpGTE, OpLTE, OpGT, OpLT, OpEQ:
		default:
			return fmt.Errorf("%w: %s for %s", ErrUnknownOperator, c.Operator, c.Kind)
		}
		if _, ok := toFloat(c.Value); !ok {
			return fmt.Errorf("alerts: %s condition needs a numeric value, got %T", c.Kind, c.Value)
		}
	case KindCustom:
		if c.Custom == nil {
			return fmt.Errorf("alerts: custom condition needs a closure")
		}
	default:
		return fmt.Errorf("alerts: unknown condition kind %q", c.Kind)
	}
	return nil
}

func compileRegex(c *Condition) error {
	s, ok := c.Value.(string)
	if !ok {
		return fmt.Errorf("alerts: %s condition needs a string value, got %T", c.Kind, c.Value)
	}
	re, err := regexp.Compile(s)
	if err != nil {
		return fmt.Errorf("alerts: bad pattern %q: %w", s, err)
	}
	c.re = re
	return nil
}

// RemoveRule drops a rule by name.
func (e *Engine) RemoveRule(name string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[name]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	delete(e.rules, name)
	return nil
}

// EnableRule turns a rule on.
func (e *Engine) EnableRule(name string) error { return e.setEnabled(name, true) }

// DisableRule turns a rule off without losing its counters.
func (e *Engine) DisableRule(name string) error { return e.setEnabled(name, false) }

func (e *Engine) setEnabled(name string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	r, ok := e.rules[name]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, name)
	}
	r.Enabled = enabled
	return nil
}

// Rules returns snapshots of all rules sorted by name.
func (e *Engine) Rules() []*Rule {
	e.mu.Lock()
	out := make([]*Rule, 0, len(e.rules))
	for _, r := range e.rules {
		out = append(out, r.clone())
	}
	e.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// OnAlert registers a handler invoked for every fired alert.
func (e *Engine) OnAlert(fn Handler) {
	if fn == nil {
		return
	}
	e.mu.Lock()
	e.handlers = append(e.handlers, fn)
	e.mu.Unlock()
}

// Evaluate runs every enabled rule against the context and returns the
// alerts fired by this call. Rules are evaluated in name order.
func (e *Engine) Evaluate(ctx map[string]any) []*types.Alert {
	now := time.Now().UTC()

	e.mu.Lock()
	names := make([]string, 0, len(e.rules))
	for name := range e.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	var fired []*types.Alert
	for _, name := range names {
		r := e.rules[name]
		if !r.Enabled {
			continue
		}
		if r.MaxAlerts > 0 && r.AlertCount >= r.MaxAlerts {
			continue
		}
		if r.CooldownSeconds > 0 && r.LastAlertTime != nil {
			cooldown := time.Duration(r.CooldownSeconds * float64(time.Second))
			if now.Sub(*r.LastAlertTime) < cooldown {
				continue
			}
		}
		if !matches(r, ctx) {
			continue
		}

		r.AlertCount++
		last := now
		r.LastAlertTime = &last

		alert := &types.Alert{
			ID:        uuid.New().String(),
			RuleName:  r.Name,
			Severity:  r.Severity,
			Message:   renderTemplate(r.Message, ctx),
			Timestamp: now,
			Context:   copyContext(ctx),
		}
		e.history = append(e.history, alert)
		if len(e.history) > e.cfg.MaxHistory {
			e.history = e.history[len(e.history)-e.cfg.MaxHistory:]
		}
		fired = append(fired, alert)
		metrics.AlertsFired.WithLabelValues(r.Name, string(r.Severity)).Inc()
	}
	handlers := append([]Handler(nil), e.handlers...)
	e.mu.Unlock()

	for _, alert := range fired {
		e.logger.Info().
			Str("rule", alert.RuleName).
			Str("severity", string(alert.Severity)).
			Msg("alert fired")
		for _, fn := range handlers {
			e.fire(fn, alert)
		}
	}
	return fired
}

// EvaluateEnvelope adapts a bus envelope into the evaluation context so the
// engine can sit directly behind a subscription. Risk doubles as severity.
func (e *Engine) EvaluateEnvelope(env *types.Envelope) []*types.Alert {
	if env == nil {
		return nil
	}
	ctx := map[string]any{
		"event_type": env.EventType,
		"data":       env.Data,
		"module":     env.Module,
		"scan_id":    env.ScanID,
		"risk":       env.Risk,
		"severity":   env.Risk,
		"confidence": env.Confidence,
		"topic":      env.Topic,
	}
	// The correlation id rides along so fired alerts can be traced back to
	// the publish that caused them.
	if rid, ok := env.Metadata["request_id"]; ok {
		ctx["request_id"] = rid
	}
	return e.Evaluate(ctx)
}

// History returns the most recent alerts, newest last. limit <= 0 returns
// everything retained.
func (e *Engine) History(limit int) []*types.Alert {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := len(e.history)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]*types.Alert, 0, n)
	for _, a := range e.history[len(e.history)-n:] {
		cp := *a
		out = append(out, &cp)
	}
	return out
}

// Acknowledge marks a single alert. It reports whether the id was found.
func (e *Engine) Acknowledge(alertID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, a := range e.history {
		if a.ID == alertID {
			a.Acknowledged = true
			return true
		}
	}
	return false
}

// AcknowledgeAll marks every retained alert and returns how many changed.
func (e *Engine) AcknowledgeAll() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	changed := 0
	for _, a := range e.history {
		if !a.Acknowledged {
			a.Acknowledged = true
			changed++
		}
	}
	return changed
}

func (e *Engine) fire(fn Handler, alert *types.Alert) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error().
				Str("rule", alert.RuleName).
				Interface("panic", r).
				Msg("alert handler panicked")
		}
	}()
	cp := *alert
	fn(&cp)
}

// matches combines the rule's conditions. A rule with no conditions never
// fires.
func matches(r *Rule, ctx map[string]any) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for i := range r.Conditions {
		ok := evalCondition(&r.Conditions[i], ctx)
		if r.MatchAll && !ok {
			return false
		}
		if !r.MatchAll && ok {
			return true
		}
	}
	return r.MatchAll
}

func evalCondition(c *Condition, ctx map[string]any) bool {
	switch c.Kind {
	case KindEventType:
		got, ok := ctx["event_type"].(string)
		if !ok {
			return false
		}
		switch c.Operator {
		case OpContains:
			want, ok := c.Value.(string)
			return ok && strings.Contains(got, want)
		case OpMatches:
			return c.re != nil && c.re.MatchString(got)
		default:
			want, ok := c.Value.(string)
			return ok && got == want
		}
	case KindPattern:
		data, ok := ctx["data"].(string)
		if !ok || c.re == nil {
			return false
		}
		return c.re.MatchString(data)
	case KindSeverity, KindCount, KindRate:
		got, ok := toFloat(ctx[string(c.Kind)])
		if !ok {
			return false
		}
		want, ok := toFloat(c.Value)
		if !ok {
			return false
		}
		return compare(c.Operator, got, want)
	case KindCustom:
		return c.Custom != nil && c.Custom(ctx)
	}
	return false
}

// compare applies a numeric operator; an empty operator means gte, the
// threshold reading "at least".
func compare(op Operator, got, want float64) bool {
	switch op {
	case OpLTE:
		return got <= want
	case OpGT:
		return got > want
	case OpLT:
		return got < want
	case OpEQ:
		return got == want
	default:
		return got >= want
	}
}

// toFloat coerces the numeric types JSON and Go callers produce.
func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

// placeholderRe matches {key} template placeholders.
var placeholderRe = regexp.MustCompile(`\{([A-Za-z0-9_]+)\}`)

// renderTemplate interpolates {placeholder} values from the context. If any
// referenced key is missing the raw template is returned unchanged.
func renderTemplate(tpl string, ctx map[string]any) string {
	refs := placeholderRe.FindAllStringSubmatch(tpl, -1)
	if len(refs) == 0 {
		return tpl
	}
	for _, ref := range refs {
		if _, ok := ctx[ref[1]]; !ok {
			return tpl
		}
	}
	return placeholderRe.ReplaceAllStringFunc(tpl, func(m string) string {
		key := m[1 : len(m)-1]
		return fmt.Sprintf("%v", ctx[key])
	})
}

func copyContext(ctx map[string]any) map[string]any {
	if ctx == nil {
		return nil
	}
	cp := make(map[string]any, len(ctx))
	for k, v := range ctx {
		cp[k] = v
	}
	return cp
}
