package supervisor

import (
	"context"
	"fmt"

	"tokenguard/internal/store"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/types"
)

// DropOverride writes a one-shot directive for asset. The agent consumes it on
// its next tick; a newer directive replaces an unconsumed one.
func (s *Supervisor) DropOverride(ctx context.Context, asset string, action types.DirectiveAction, reason string) (types.Directive, error) {
	s.mu.Lock()
	_, asset, err := s.record(asset)
	s.mu.Unlock()
	if err != nil {
		return types.Directive{}, err
	}
	switch action {
	case types.ActionForceBuy, types.ActionForceClose:
	default:
		return types.Directive{}, fmt.Errorf("unsupported directive %q", action)
	}
	d := types.Directive{Action: action, Reason: reason, CreatedAt: s.nowFn()}
	if err := store.PutJSON(ctx, s.deps.KV, store.OverrideKey(asset), d); err != nil {
		return types.Directive{}, fmt.Errorf("write override: %w", err)
	}
	s.event(ctx, asset, eventlog.KindOverride, fmt.Sprintf("directive %s queued", action), map[string]any{"reason": reason})
	return d, nil
}
