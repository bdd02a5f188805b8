package types

import "time"

// AgentStatus 进程生命周期状态。
type AgentStatus string

const (
	StatusStarting AgentStatus = "STARTING"
	StatusRunning  AgentStatus = "RUNNING"
	StatusHealthy  AgentStatus = "HEALTHY"
	StatusCrashed  AgentStatus = "CRASHED"
	StatusStopping AgentStatus = "STOPPING"
	StatusStopped  AgentStatus = "STOPPED"
	StatusFailed   AgentStatus = "FAILED"
)

// Alive reports whether a process is expected to be running in this status.
func (s AgentStatus) Alive() bool {
	switch s {
	case StatusStarting, StatusRunning, StatusHealthy:
		return true
	default:
		return false
	}
}

type AgentMode string

const (
	ModeTrade   AgentMode = "trade"
	ModeObserve AgentMode = "observe"
)

// ParseMode defaults to trade for anything but "observe".
func ParseMode(s string) AgentMode {
	if AgentMode(s) == ModeObserve {
		return ModeObserve
	}
	return ModeTrade
}

// Heartbeat agent 周期性写入，supervisor 据此判断健康。
type Heartbeat struct {
	Asset      string    `json:"asset"`
	PID        int       `json:"pid"`
	Mode       AgentMode `json:"mode"`
	InPosition bool      `json:"in_position"`
	At         time.Time `json:"at"`
}

type DirectiveAction string

const (
	ActionForceBuy   DirectiveAction = "force_buy"
	ActionForceClose DirectiveAction = "force_close"
)

// Directive 人工覆盖指令，agent 下一轮消费后删除。
type Directive struct {
	Action    DirectiveAction `json:"action"`
	Reason    string          `json:"reason,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// ExitInfo describes how an agent process ended.
type ExitInfo struct {
	Code   int       `json:"code"`
	Error  string    `json:"error,omitempty"`
	Reason string    `json:"reason,omitempty"`
	At     time.Time `json:"at"`
}

// AgentInfo 对外展示的 agent 状态。
type AgentInfo struct {
	Asset            string      `json:"asset"`
	PID              int         `json:"pid"`
	Status           AgentStatus `json:"status"`
	Mode             AgentMode   `json:"mode"`
	Enabled          bool        `json:"enabled"`
	StartTime        time.Time   `json:"start_time,omitempty"`
	RestartCount     int         `json:"restart_count"`
	LastExit         *ExitInfo   `json:"last_exit,omitempty"`
	LastHeartbeat    time.Time   `json:"last_heartbeat,omitempty"`
	LastRegime       Regime      `json:"last_regime,omitempty"`
	LastConfidence   int         `json:"last_confidence,omitempty"`
	LastAssessmentAt time.Time   `json:"last_assessment_at,omitempty"`
}
