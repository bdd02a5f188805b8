package regime

import (
	"fmt"
	"strings"

	"tokenguard/internal/types"
)

// Action 是规则命中后 supervisor 执行的生命周期动作。
type Action string

const (
	ActionDisable    Action = "DISABLE"
	ActionEnable     Action = "ENABLE"
	ActionReduceRisk Action = "REDUCE_RISK"
	ActionPanicAll   Action = "PANIC_ALL"
)

func ParseAction(s string) (Action, bool) {
	a := Action(strings.ToUpper(strings.TrimSpace(s)))
	switch a {
	case ActionDisable, ActionEnable, ActionReduceRisk, ActionPanicAll:
		return a, true
	}
	return "", false
}

// Rule 在 YAML 中声明条件，加载时编译为谓词。
type Rule struct {
	Name          string   `yaml:"name" json:"name"`
	Description   string   `yaml:"description" json:"description,omitempty"`
	Action        Action   `yaml:"action" json:"action"`
	Regimes       []string `yaml:"regimes" json:"regimes,omitempty"`
	MinConfidence int      `yaml:"min_confidence" json:"min_confidence,omitempty"`
	MaxConfidence int      `yaml:"max_confidence" json:"max_confidence,omitempty"`

	regimes map[types.Regime]struct{}
}

// compile validates the rule and builds its regime set. An empty regime list matches any regime.
func (r *Rule) compile() error {
	r.Name = strings.TrimSpace(r.Name)
	if r.Name == "" {
		return fmt.Errorf("rule name cannot be empty")
	}
	action, ok := ParseAction(string(r.Action))
	if !ok {
		return fmt.Errorf("rule %s: unknown action %q", r.Name, r.Action)
	}
	r.Action = action
	if r.MinConfidence < 0 || r.MinConfidence > 10 || r.MaxConfidence < 0 || r.MaxConfidence > 10 {
		return fmt.Errorf("rule %s: confidence bounds must be within [0,10]", r.Name)
	}
	if r.MaxConfidence > 0 && r.MaxConfidence < r.MinConfidence {
		return fmt.Errorf("rule %s: max_confidence < min_confidence", r.Name)
	}
	r.regimes = make(map[types.Regime]struct{}, len(r.Regimes))
	for _, name := range r.Regimes {
		reg, ok := types.ParseRegime(name)
		if !ok {
			return fmt.Errorf("rule %s: unknown regime %q", r.Name, name)
		}
		r.regimes[reg] = struct{}{}
	}
	return nil
}

// Matches reports whether the rule's condition holds for a.
func (r Rule) Matches(a types.Assessment) bool {
	if len(r.regimes) > 0 {
		if _, ok := r.regimes[a.Regime]; !ok {
			return false
		}
	}
	if r.MinConfidence > 0 && a.Confidence < r.MinConfidence {
		return false
	}
	if r.MaxConfidence > 0 && a.Confidence > r.MaxConfidence {
		return false
	}
	return true
}

// FirstMatch 按声明顺序返回第一条命中的规则。
func FirstMatch(rules []Rule, a types.Assessment) (Rule, bool) {
	for _, r := range rules {
		if r.Matches(a) {
			return r, true
		}
	}
	return Rule{}, false
}

// CompileRules validates a rule list in place; names must be unique.
func CompileRules(rules []Rule) ([]Rule, error) {
	seen := make(map[string]struct{}, len(rules))
	out := make([]Rule, len(rules))
	for i := range rules {
		r := rules[i]
		if err := r.compile(); err != nil {
			return nil, err
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("duplicate rule name %s", r.Name)
		}
		seen[r.Name] = struct{}{}
		out[i] = r
	}
	return out, nil
}

// DefaultRules 在规则文件缺失时使用。
func DefaultRules() []Rule {
	rules, err := CompileRules([]Rule{
		{
			Name: "panic_on_crash", Action: ActionPanicAll,
			Regimes: []string{"STRONG_DOWNTREND"}, MinConfidence: 8,
			Description: "high-confidence strong downtrend stops every agent",
		},
		{
			Name: "disable_strong_downtrend", Action: ActionDisable,
			Regimes: []string{"STRONG_DOWNTREND"}, MinConfidence: 5,
			Description: "stop trading the asset in a confirmed downtrend",
		},
		{
			Name: "disable_volatile", Action: ActionDisable,
			Regimes: []string{"VOLATILE"}, MinConfidence: 7,
			Description: "stop trading during confirmed high volatility",
		},
		{
			Name: "reduce_weak_downtrend", Action: ActionReduceRisk,
			Regimes:     []string{"WEAK_DOWNTREND"},
			Description: "warn the operator, risk table already shrinks size",
		},
		{
			Name: "reduce_volatile", Action: ActionReduceRisk,
			Regimes:     []string{"VOLATILE"},
			Description: "warn on unconfirmed volatility",
		},
		{
			Name: "enable_constructive", Action: ActionEnable,
			Regimes: []string{"STRONG_UPTREND", "WEAK_UPTREND", "RANGING"}, MinConfidence: 5,
			Description: "resume agents once the market is constructive again",
		},
	})
	if err != nil {
		panic(err)
	}
	return rules
}
