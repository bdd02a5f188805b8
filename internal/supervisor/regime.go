package supervisor

import (
	"context"
	"errors"
	"fmt"

	"tokenguard/internal/logger"
	"tokenguard/internal/regime"
	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"
)

// RuleOutcome 记录一轮规则评估中某个币种命中的规则及是否执行。
type RuleOutcome struct {
	Asset      string           `json:"asset"`
	Assessment types.Assessment `json:"assessment"`
	Rule       string           `json:"rule,omitempty"`
	Action     regime.Action    `json:"action,omitempty"`
	Applied    bool             `json:"applied"`
	Note       string           `json:"note,omitempty"`
}

// ApplyRegimeRules runs one regime cycle: assess every asset, write its risk
// params, then apply the first matching rule per asset. A PANIC_ALL match
// overrides every other action of the cycle.
func (s *Supervisor) ApplyRegimeRules(ctx context.Context) ([]RuleOutcome, error) {
	if s.deps.Classifier == nil {
		return nil, fmt.Errorf("regime classifier not configured")
	}
	var rules []regime.Rule
	if s.deps.Rules != nil {
		rules = s.deps.Rules.Rules()
	}

	outcomes := make([]RuleOutcome, 0, len(s.order))
	for _, asset := range s.order {
		a, err := s.assess(ctx, asset, regime.SourceAuto)
		if err != nil {
			if ctx.Err() != nil {
				return outcomes, ctx.Err()
			}
			logger.Warnf("supervisor: %s regime 判定失败: %v", asset, err)
			continue
		}
		out := RuleOutcome{Asset: asset, Assessment: a}
		if rule, ok := regime.FirstMatch(rules, a); ok {
			out.Rule, out.Action = rule.Name, rule.Action
		}
		outcomes = append(outcomes, out)
	}

	// 第一轮只收集命中结果；任一 PANIC_ALL 命中则本轮只执行它
	for i := range outcomes {
		if outcomes[i].Action != regime.ActionPanicAll {
			continue
		}
		s.panicAll(ctx, outcomes[i])
		outcomes[i].Applied = true
		for j := range outcomes {
			if j != i && outcomes[j].Rule != "" {
				outcomes[j].Note = "overridden by PANIC_ALL"
			}
		}
		return outcomes, nil
	}

	for i := range outcomes {
		if outcomes[i].Rule == "" {
			continue
		}
		s.applyRule(ctx, &outcomes[i])
	}
	return outcomes, nil
}

// ManualAssess forces a model call for asset and propagates the risk params.
// Rules are left to the next scheduled cycle.
func (s *Supervisor) ManualAssess(ctx context.Context, asset string) (types.Assessment, error) {
	if s.deps.Classifier == nil {
		return types.Assessment{}, fmt.Errorf("regime classifier not configured")
	}
	s.mu.Lock()
	_, asset, err := s.record(asset)
	s.mu.Unlock()
	if err != nil {
		return types.Assessment{}, err
	}
	return s.assess(ctx, asset, regime.SourceManual)
}

func (s *Supervisor) assess(ctx context.Context, asset string, source regime.Source) (types.Assessment, error) {
	req := regime.Request{Asset: asset, Source: source}
	var analysis types.AnalysisSnapshot
	if err := store.GetJSON(ctx, s.deps.KV, store.AnalysisKey(asset), &analysis); err == nil {
		snap := analysis.Snapshot
		req.Snapshot = &snap
	} else if !errors.Is(err, store.ErrNotFound) {
		logger.Warnf("supervisor: 读取 %s 分析快照失败: %v", asset, err)
	}
	if s.deps.Events != nil {
		ticks, err := s.deps.Events.RecentTicks(ctx, asset, s.opts.HistoryLimit)
		if err != nil {
			logger.Warnf("supervisor: 读取 %s 价格历史失败: %v", asset, err)
		}
		req.History = ticks
	}
	a, err := s.deps.Classifier.Assess(ctx, req)
	if err != nil {
		return types.Assessment{}, err
	}

	now := s.nowFn()
	params := s.deps.RiskTable.Params(a.Regime, now)
	if err := store.PutJSON(ctx, s.deps.KV, store.RiskKey(asset), params); err != nil {
		logger.Errorf("supervisor: 写入 %s 风控参数失败: %v", asset, err)
	}
	if err := store.PutJSON(ctx, s.deps.KV, store.RegimeKey(asset), a); err != nil {
		logger.Warnf("supervisor: 写入 %s regime 失败: %v", asset, err)
	}

	s.mu.Lock()
	rec := s.agents[asset]
	changed := rec.info.LastRegime != a.Regime
	rec.info.LastRegime = a.Regime
	rec.info.LastConfidence = a.Confidence
	rec.info.LastAssessmentAt = a.Timestamp
	s.mu.Unlock()

	if changed || source == regime.SourceManual {
		s.event(ctx, asset, eventlog.KindRegimeAssessed, fmt.Sprintf("%s (%d/10, %s)", a.Regime, a.Confidence, a.Source), map[string]any{
			"source":          string(source),
			"reasoning":       a.Reasoning,
			"stop_loss_pct":   params.StopLossPct,
			"take_profit_pct": params.TakeProfitPct,
			"size_multiplier": params.SizeMultiplier,
		})
	}
	return a, nil
}

func ruleReason(o RuleOutcome) string {
	return fmt.Sprintf("regime rule %s (%s): %s %d/10", o.Rule, o.Action, o.Assessment.Regime, o.Assessment.Confidence)
}

func (s *Supervisor) applyRule(ctx context.Context, o *RuleOutcome) {
	reason := ruleReason(*o)
	s.deps.Metrics.RecordRuleAction(o.Asset, o.Rule, string(o.Action))

	s.mu.Lock()
	rec := s.agents[o.Asset]
	running := rec.proc != nil
	pendingRestart := rec.cancelRestart != nil
	// 配置里 enabled: false 与人工禁用同等对待，ENABLE 规则不会拉起
	blocked := rec.manualDisabled || !rec.info.Enabled || rec.info.Status == types.StatusFailed
	s.mu.Unlock()

	switch o.Action {
	case regime.ActionDisable:
		if !running && !pendingRestart {
			o.Note = "already stopped"
			break
		}
		// StopAgent 同时取消崩溃后的待重启
		if err := s.StopAgent(ctx, o.Asset, reason); err != nil {
			o.Note = err.Error()
			break
		}
		if !running {
			o.Note = "pending restart cancelled"
		}
		o.Applied = true
	case regime.ActionEnable:
		switch {
		case running:
			o.Note = "already running"
		case blocked:
			o.Note = "disabled or failed"
		default:
			if err := s.StartAgent(ctx, o.Asset); err != nil {
				o.Note = err.Error()
				break
			}
			o.Applied = true
		}
	case regime.ActionReduceRisk:
		s.notify(ctx, "⚠️", o.Asset, "REDUCE RISK", reason, o.Assessment.Reasoning)
		o.Applied = true
	}
	if o.Applied {
		logger.Infof("supervisor: %s %s", o.Asset, reason)
		s.event(ctx, o.Asset, eventlog.KindRuleMatched, reason, map[string]any{"action": string(o.Action)})
	}
}

func (s *Supervisor) panicAll(ctx context.Context, o RuleOutcome) {
	reason := ruleReason(o) + " on " + o.Asset
	s.deps.Metrics.RecordRuleAction(o.Asset, o.Rule, string(o.Action))
	logger.Errorf("supervisor: %s", reason)
	stopped := s.stopAll(ctx, reason)
	flattened := s.flatten(ctx, s.Assets())
	s.event(ctx, eventlog.SystemAsset, eventlog.KindPanic, reason, map[string]any{
		"stopped":   stopped,
		"flattened": flattened,
	})
	s.notify(ctx, "🚨", eventlog.SystemAsset, "PANIC_ALL", reason, fmt.Sprintf("stopped: %v", stopped))
}
