package policy

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// Input describes a proposed action.
type Input struct {
	WorkspaceID string `json:"workspace_id"`
	TeamID      string `json:"team_id,omitempty"`
	AgentID     string `json:"agent_id,omitempty"`
	ActionType  string `json:"action_type"`
	TaskType    string `json:"task_type,omitempty"`
}

// Decision is the verdict of the autonomy policy for one action.
type Decision struct {
	AutoApprove    bool                 `json:"auto_approve"`
	Reason         string               `json:"reason"`
	RiskTier       models.RiskTier      `json:"risk_tier"`
	AutonomyLevel  models.AutonomyLevel `json:"autonomy_level"`
	OverlayApplied bool                 `json:"overlay_applied,omitempty"`
}

// TeamLookup resolves the autonomy level of a team.
type TeamLookup interface {
	GetTeam(ctx context.Context, teamID string) (*models.Team, error)
}

// Overlay can veto an auto-approval the decision table granted. It can never grant one.
type Overlay interface {
	Evaluate(ctx context.Context, input OverlayInput) (Verdict, error)
	Mode() Mode
}

// OverlayInput is the document handed to the overlay as `input`.
type OverlayInput struct {
	WorkspaceID   string `json:"workspace_id"`
	TeamID        string `json:"team_id"`
	AgentID       string `json:"agent_id"`
	ActionType    string `json:"action_type"`
	TaskType      string `json:"task_type"`
	RiskTier      string `json:"risk_tier"`
	AutonomyLevel string `json:"autonomy_level"`
}

// Verdict is the overlay outcome.
type Verdict struct {
	RequireApproval bool
	Reason          string
}

// Engine applies the static risk table and the tier x autonomy decision table.
// Evaluation order: classify, table, overlay (tighten only), critical floor.
type Engine struct {
	teams        TeamLookup
	defaultLevel models.AutonomyLevel
	overlay      Overlay
	logger       *zap.Logger
}

// NewEngine creates a policy engine. overlay may be nil.
func NewEngine(teams TeamLookup, config Config, overlay Overlay, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	level := config.DefaultAutonomy
	if level == "" {
		level = models.AutonomySupervised
	}
	if _, err := models.ParseAutonomyLevel(string(level)); err != nil {
		return nil, err
	}
	return &Engine{teams: teams, defaultLevel: level, overlay: overlay, logger: logger}, nil
}

// Decide classifies the action and decides auto-execute versus queue-for-approval.
func (e *Engine) Decide(ctx context.Context, in Input) (*Decision, error) {
	tier, err := Classify(in.ActionType)
	if err != nil {
		RecordError("unknown_action_type")
		return nil, err
	}

	level, err := e.autonomyFor(ctx, in.TeamID)
	if err != nil {
		return nil, err
	}

	d := &Decision{
		AutoApprove:   autoApprove[tier][level],
		RiskTier:      tier,
		AutonomyLevel: level,
	}
	if d.AutoApprove {
		d.Reason = fmt.Sprintf("%s risk auto-approved at %s autonomy", tier, level)
	} else {
		d.Reason = fmt.Sprintf("%s risk requires approval at %s autonomy", tier, level)
	}

	if d.AutoApprove && e.overlay != nil && e.overlay.Mode() != ModeOff {
		e.applyOverlay(ctx, in, d)
	}

	if tier == models.RiskCritical && d.AutoApprove {
		// hard floor, applied last
		d.AutoApprove = false
		d.Reason = "critical actions always require approval"
	}

	RecordDecision(string(tier), d.AutoApprove)
	e.logger.Debug("Autonomy decision",
		zap.String("workspace_id", in.WorkspaceID),
		zap.String("action_type", in.ActionType),
		zap.String("risk_tier", string(tier)),
		zap.String("autonomy_level", string(level)),
		zap.Bool("auto_approve", d.AutoApprove),
	)
	return d, nil
}

func (e *Engine) autonomyFor(ctx context.Context, teamID string) (models.AutonomyLevel, error) {
	if teamID == "" {
		return e.defaultLevel, nil
	}
	team, err := e.teams.GetTeam(ctx, teamID)
	if err != nil {
		return "", err
	}
	level, err := models.ParseAutonomyLevel(string(team.AutonomyLevel))
	if err != nil {
		e.logger.Warn("Team has invalid autonomy level, treating as supervised",
			zap.String("team_id", teamID),
			zap.String("autonomy_level", string(team.AutonomyLevel)),
		)
		return models.AutonomySupervised, nil
	}
	return level, nil
}

func (e *Engine) applyOverlay(ctx context.Context, in Input, d *Decision) {
	mode := e.overlay.Mode()
	verdict, err := e.overlay.Evaluate(ctx, OverlayInput{
		WorkspaceID:   in.WorkspaceID,
		TeamID:        in.TeamID,
		AgentID:       in.AgentID,
		ActionType:    in.ActionType,
		TaskType:      in.TaskType,
		RiskTier:      string(d.RiskTier),
		AutonomyLevel: string(d.AutonomyLevel),
	})
	if err != nil {
		e.logger.Warn("Policy overlay evaluation failed", zap.Error(err))
		return
	}
	if !verdict.RequireApproval {
		return
	}
	RecordOverlayTighten(string(mode))
	if mode == ModeDryRun {
		e.logger.Info("Policy overlay would require approval (dry-run)",
			zap.String("workspace_id", in.WorkspaceID),
			zap.String("action_type", in.ActionType),
			zap.String("reason", verdict.Reason),
		)
		return
	}
	d.AutoApprove = false
	d.OverlayApplied = true
	d.Reason = verdict.Reason
	if d.Reason == "" {
		d.Reason = "approval required by workspace policy"
	}
}
