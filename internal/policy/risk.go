package policy

import (
	"sort"
	"strings"

	"github.com/galaxy-co-ai/galaxyco-ai-3.0-sub011/internal/models"
)

// riskTable is the static action-type classification. Unlisted types are rejected.
var riskTable = map[string]models.RiskTier{
	"read_records":  models.RiskLow,
	"internal_note": models.RiskLow,
	"summarize":     models.RiskLow,
	"research":      models.RiskLow,
	"analyze_data":  models.RiskLow,

	"create_record":     models.RiskMedium,
	"update_record":     models.RiskMedium,
	"schedule_internal": models.RiskMedium,
	"create_task":       models.RiskMedium,
	"draft_content":     models.RiskMedium,

	"send_email":        models.RiskHigh,
	"send_message":      models.RiskHigh,
	"publish_content":   models.RiskHigh,
	"post_social":       models.RiskHigh,
	"modify_workflow":   models.RiskHigh,
	"external_api_call": models.RiskHigh,

	"process_payment":     models.RiskCritical,
	"issue_refund":        models.RiskCritical,
	"send_invoice":        models.RiskCritical,
	"delete_record":       models.RiskCritical,
	"bulk_delete":         models.RiskCritical,
	"change_settings":     models.RiskCritical,
	"manage_integrations": models.RiskCritical,
}

// Classify returns the risk tier of an action type.
func Classify(actionType string) (models.RiskTier, error) {
	tier, ok := riskTable[strings.ToLower(strings.TrimSpace(actionType))]
	if !ok {
		return "", &models.Error{
			Kind:       models.KindValidation,
			Message:    "unknown action type " + actionType,
			Suggestion: "use one of: " + strings.Join(ActionTypes(), ", "),
		}
	}
	return tier, nil
}

// ActionTypes lists every classified action type, sorted.
func ActionTypes() []string {
	out := make([]string, 0, len(riskTable))
	for k := range riskTable {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// autoApprove is the decision table: risk tier x autonomy level.
var autoApprove = map[models.RiskTier]map[models.AutonomyLevel]bool{
	models.RiskLow: {
		models.AutonomySupervised:     true,
		models.AutonomySemiAutonomous: true,
		models.AutonomyAutonomous:     true,
	},
	models.RiskMedium: {
		models.AutonomySemiAutonomous: true,
		models.AutonomyAutonomous:     true,
	},
	models.RiskHigh: {
		models.AutonomyAutonomous: true,
	},
	models.RiskCritical: {},
}
