package models

import (
	"sort"
	"strings"

	"github.com/samber/lo"
)

// Capability is a tag from the closed vocabulary agents declare and tasks require.
type Capability string

const (
	CapEmail      Capability = "email"
	CapMessaging  Capability = "messaging"
	CapCalendar   Capability = "calendar"
	CapCRM        Capability = "crm"
	CapContent    Capability = "content"
	CapSocial     Capability = "social"
	CapResearch   Capability = "research"
	CapAnalytics  Capability = "analytics"
	CapFinance    Capability = "finance"
	CapSupport    Capability = "support"
	CapWorkflow   Capability = "workflow"
	CapDocuments  Capability = "documents"
	CapData       Capability = "data"
	CapAdmin      Capability = "admin"
	CapScheduling Capability = "scheduling"
)

var vocabulary = map[Capability]struct{}{
	CapEmail: {}, CapMessaging: {}, CapCalendar: {}, CapCRM: {}, CapContent: {},
	CapSocial: {}, CapResearch: {}, CapAnalytics: {}, CapFinance: {}, CapSupport: {},
	CapWorkflow: {}, CapDocuments: {}, CapData: {}, CapAdmin: {}, CapScheduling: {},
}

// ParseCapability normalizes and validates one capability tag.
func ParseCapability(s string) (Capability, error) {
	c := Capability(strings.ToLower(strings.TrimSpace(s)))
	if _, ok := vocabulary[c]; !ok {
		return "", Validationf("unknown capability %q", s)
	}
	return c, nil
}

// ParseCapabilities validates a list of tags and returns them deduplicated and sorted.
func ParseCapabilities(raw []string) ([]Capability, error) {
	out := make([]Capability, 0, len(raw))
	for _, s := range raw {
		c, err := ParseCapability(s)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return NormalizeCapabilities(out), nil
}

// NormalizeCapabilities deduplicates and sorts a capability set.
func NormalizeCapabilities(caps []Capability) []Capability {
	out := lo.Uniq(caps)
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// HasAll reports whether have is a superset of want.
func HasAll(have, want []Capability) bool {
	return lo.Every(have, want)
}

// Overlap returns |have ∩ want| / |want|, or 0 when want is empty.
func Overlap(have, want []Capability) float64 {
	if len(want) == 0 {
		return 0
	}
	return float64(len(lo.Intersect(have, want))) / float64(len(want))
}

// taskCapabilities maps well-known task types to the capabilities they imply.
var taskCapabilities = map[string][]Capability{
	"email_outreach":      {CapEmail, CapCRM},
	"follow_up":           {CapEmail, CapCRM},
	"lead_qualification":  {CapCRM, CapResearch},
	"meeting_scheduling":  {CapCalendar, CapScheduling},
	"content_creation":    {CapContent},
	"social_posting":      {CapSocial, CapContent},
	"market_research":     {CapResearch, CapAnalytics},
	"reporting":           {CapAnalytics, CapData},
	"invoicing":           {CapFinance, CapDocuments},
	"payment_processing":  {CapFinance},
	"customer_support":    {CapSupport, CapMessaging},
	"workflow_automation": {CapWorkflow},
	"data_cleanup":        {CapData},
	"configuration":       {CapAdmin},
}

// CapabilitiesForTask returns the capabilities implied by a task type, if known.
func CapabilitiesForTask(taskType string) []Capability {
	return taskCapabilities[strings.ToLower(strings.TrimSpace(taskType))]
}
