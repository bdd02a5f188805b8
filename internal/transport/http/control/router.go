package controlhttp

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"tokenguard/internal/logger"
	"tokenguard/internal/regime"
	"tokenguard/internal/store/eventlog"
	"tokenguard/internal/supervisor"
	"tokenguard/internal/types"

	"github.com/gin-gonic/gin"
)

// Controller is the supervisor surface driven over HTTP. Every operation is
// idempotent.
type Controller interface {
	StartAgent(ctx context.Context, asset string) error
	StopAgent(ctx context.Context, asset, reason string) error
	Enable(ctx context.Context, asset string) error
	Disable(ctx context.Context, asset, reason string) error
	Panic(ctx context.Context, target, reason string) ([]string, error)
	EmergencyHalt(ctx context.Context, reason string) ([]string, error)
	EmergencyStartup(ctx context.Context, reason string) ([]string, error)
	EmergencyShutdown(ctx context.Context, reason string) []string
	ManualAssess(ctx context.Context, asset string) (types.Assessment, error)
	DropOverride(ctx context.Context, asset string, action types.DirectiveAction, reason string) (types.Directive, error)
	ApplyRegimeRules(ctx context.Context) ([]supervisor.RuleOutcome, error)
	StatusList() []types.AgentInfo
	Halted() bool
}

// RulesProvider 返回当前生效的 regime 规则。
type RulesProvider interface {
	Snapshot() regime.RulesSnapshot
}

type Router struct {
	ctl    Controller
	events eventlog.Log
	rules  RulesProvider
}

func NewRouter(ctl Controller, events eventlog.Log, rules RulesProvider) *Router {
	return &Router{ctl: ctl, events: events, rules: rules}
}

// Register 将控制接口挂载到给定分组下。
func (r *Router) Register(group *gin.RouterGroup) {
	if group == nil {
		return
	}
	group.GET("/agents", r.handleStatus)
	group.GET("/agents/:asset", r.handleAgent)
	group.POST("/agents/:asset/start", r.handleStart)
	group.POST("/agents/:asset/stop", r.handleStop)
	group.POST("/agents/:asset/enable", r.handleEnable)
	group.POST("/agents/:asset/disable", r.handleDisable)
	group.POST("/agents/:asset/assess", r.handleAssess)
	group.POST("/agents/:asset/override", r.handleOverride)
	group.POST("/panic", r.handlePanic)
	group.POST("/emergency/:action", r.handleEmergency)
	group.POST("/regime/apply", r.handleApplyRules)
	group.GET("/regime/rules", r.handleRules)
	group.GET("/events", r.handleEvents)
}

type reasonRequest struct {
	Reason string `json:"reason" form:"reason"`
}

type panicRequest struct {
	Target string `json:"target" form:"target"`
	Reason string `json:"reason" form:"reason"`
}

type overrideRequest struct {
	Action string `json:"action" form:"action" binding:"required"`
	Reason string `json:"reason" form:"reason"`
}

// bindReason 允许空 body。
func bindReason(c *gin.Context) (string, bool) {
	var req reasonRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return "", false
		}
	}
	return strings.TrimSpace(req.Reason), true
}

func writeError(c *gin.Context, op string, err error) {
	status := http.StatusInternalServerError
	if errors.Is(err, supervisor.ErrUnknownAsset) {
		status = http.StatusNotFound
	}
	logger.Errorf("[api] %s failed ip=%s err=%v", op, c.ClientIP(), err)
	c.JSON(status, gin.H{"error": err.Error()})
}

func (r *Router) agentInfo(asset string) (types.AgentInfo, bool) {
	asset = strings.ToUpper(strings.TrimSpace(asset))
	for _, info := range r.ctl.StatusList() {
		if info.Asset == asset {
			return info, true
		}
	}
	return types.AgentInfo{}, false
}

func (r *Router) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"halted": r.ctl.Halted(), "agents": r.ctl.StatusList()})
}

func (r *Router) handleAgent(c *gin.Context) {
	info, ok := r.agentInfo(c.Param("asset"))
	if !ok {
		c.JSON(http.StatusNotFound, gin.H{"error": "unknown asset"})
		return
	}
	c.JSON(http.StatusOK, info)
}

// respondAgent 返回操作后的 agent 状态。
func (r *Router) respondAgent(c *gin.Context, asset string) {
	info, _ := r.agentInfo(asset)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "agent": info})
}

func (r *Router) handleStart(c *gin.Context) {
	asset := c.Param("asset")
	if err := r.ctl.StartAgent(c.Request.Context(), asset); err != nil {
		writeError(c, "start "+asset, err)
		return
	}
	logger.Infof("[api] start ip=%s asset=%s", c.ClientIP(), asset)
	r.respondAgent(c, asset)
}

func (r *Router) handleStop(c *gin.Context) {
	asset := c.Param("asset")
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	if reason == "" {
		reason = "stopped by operator"
	}
	if err := r.ctl.StopAgent(c.Request.Context(), asset, reason); err != nil {
		writeError(c, "stop "+asset, err)
		return
	}
	logger.Infof("[api] stop ip=%s asset=%s reason=%s", c.ClientIP(), asset, reason)
	r.respondAgent(c, asset)
}

func (r *Router) handleEnable(c *gin.Context) {
	asset := c.Param("asset")
	if err := r.ctl.Enable(c.Request.Context(), asset); err != nil {
		writeError(c, "enable "+asset, err)
		return
	}
	logger.Infof("[api] enable ip=%s asset=%s", c.ClientIP(), asset)
	r.respondAgent(c, asset)
}

func (r *Router) handleDisable(c *gin.Context) {
	asset := c.Param("asset")
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	if err := r.ctl.Disable(c.Request.Context(), asset, reason); err != nil {
		writeError(c, "disable "+asset, err)
		return
	}
	logger.Infof("[api] disable ip=%s asset=%s reason=%s", c.ClientIP(), asset, reason)
	r.respondAgent(c, asset)
}

func (r *Router) handleAssess(c *gin.Context) {
	asset := c.Param("asset")
	a, err := r.ctl.ManualAssess(c.Request.Context(), asset)
	if err != nil {
		writeError(c, "assess "+asset, err)
		return
	}
	logger.Infof("[api] assess ip=%s asset=%s regime=%s confidence=%d", c.ClientIP(), asset, a.Regime, a.Confidence)
	c.JSON(http.StatusOK, gin.H{"assessment": a})
}

func (r *Router) handleOverride(c *gin.Context) {
	asset := c.Param("asset")
	var req overrideRequest
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	action := types.DirectiveAction(strings.ToLower(strings.TrimSpace(req.Action)))
	d, err := r.ctl.DropOverride(c.Request.Context(), asset, action, strings.TrimSpace(req.Reason))
	if err != nil {
		if errors.Is(err, supervisor.ErrUnknownAsset) {
			writeError(c, "override "+asset, err)
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	logger.Infof("[api] override ip=%s asset=%s action=%s", c.ClientIP(), asset, d.Action)
	c.JSON(http.StatusOK, gin.H{"status": "queued", "directive": d})
}

func (r *Router) handlePanic(c *gin.Context) {
	var req panicRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBind(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	target := strings.TrimSpace(req.Target)
	if target == "" {
		target = supervisor.AllAssets
	}
	assets, err := r.ctl.Panic(c.Request.Context(), target, strings.TrimSpace(req.Reason))
	if err != nil {
		writeError(c, "panic "+target, err)
		return
	}
	logger.Warnf("[api] panic ip=%s target=%s assets=%v", c.ClientIP(), target, assets)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "assets": assets})
}

func (r *Router) handleEmergency(c *gin.Context) {
	reason, ok := bindReason(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	action := strings.ToLower(c.Param("action"))
	var (
		assets []string
		err    error
	)
	switch action {
	case "halt":
		assets, err = r.ctl.EmergencyHalt(ctx, reason)
	case "startup":
		assets, err = r.ctl.EmergencyStartup(ctx, reason)
	case "shutdown":
		assets = r.ctl.EmergencyShutdown(ctx, reason)
	default:
		c.JSON(http.StatusBadRequest, gin.H{"error": "action 仅支持 halt/startup/shutdown"})
		return
	}
	if err != nil {
		writeError(c, "emergency "+action, err)
		return
	}
	logger.Warnf("[api] emergency %s ip=%s assets=%v", action, c.ClientIP(), assets)
	c.JSON(http.StatusOK, gin.H{"status": "ok", "action": action, "assets": assets, "halted": r.ctl.Halted()})
}

func (r *Router) handleApplyRules(c *gin.Context) {
	outcomes, err := r.ctl.ApplyRegimeRules(c.Request.Context())
	if err != nil {
		writeError(c, "regime apply", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"outcomes": outcomes})
}

func (r *Router) handleRules(c *gin.Context) {
	if r.rules == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "regime 规则未启用"})
		return
	}
	c.JSON(http.StatusOK, r.rules.Snapshot())
}

func (r *Router) handleEvents(c *gin.Context) {
	if r.events == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "事件日志未启用"})
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "100"))
	afterID, _ := strconv.ParseInt(c.DefaultQuery("after_id", "0"), 10, 64)
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	q := eventlog.Query{
		Asset:   strings.ToUpper(strings.TrimSpace(c.Query("asset"))),
		Kind:    eventlog.Kind(strings.TrimSpace(c.Query("kind"))),
		AfterID: afterID,
		Limit:   limit,
	}
	events, err := r.events.List(c.Request.Context(), q)
	if err != nil {
		writeError(c, "events", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"events": events})
}
