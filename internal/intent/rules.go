package intent

import (
	"regexp"
	"strings"

	"github.com/safeops-dev/safeops/internal/core"
)

// rule maps prompt keywords to a classification. Rules are tried in order and
// the first hit wins, so mutating verbs are matched before inventory nouns.
type rule struct {
	keywords             []string
	intentType           core.IntentType
	action               string
	confidence           float64
	requiresConfirmation bool
}

var rules = []rule{
	{
		keywords:   []string{"cost", "billing", "spend"},
		intentType: core.IntentCostControl,
		action:     core.ActionGetBilling,
		confidence: 0.9,
	},
	{
		keywords:             []string{"stop", "disable", "delete", "terminate", "shut down"},
		intentType:           core.IntentDeployment,
		action:               core.ActionStopResource,
		confidence:           0.8,
		requiresConfirmation: true,
	},
	{
		keywords:   []string{"resource", "list", "instances", "lambda", "inventory"},
		intentType: core.IntentInventory,
		action:     core.ActionListResources,
		confidence: 0.85,
	},
	{
		keywords:   []string{"log", "connectivity", "link", "health"},
		intentType: core.IntentConnectivity,
		action:     core.ActionGetConnectivity,
		confidence: 0.9,
	},
}

var (
	awsHints = []string{"aws", "amazon", "ec2", "lambda"}
	gcpHints = []string{"gcp", "google", "cloud run"}
)

var ec2InstanceID = regexp.MustCompile(`^i-[0-9a-f]{8,17}$`)

// classifyRules is the deterministic keyword classifier.
func classifyRules(prompt string) classification {
	p := strings.ToLower(prompt)

	for _, r := range rules {
		if !containsAny(p, r.keywords) {
			continue
		}
		conf := r.confidence
		c := classification{
			IntentType:           r.intentType,
			Provider:             detectProvider(p),
			Action:               r.action,
			Confidence:           &conf,
			RequiresConfirmation: r.requiresConfirmation,
		}
		if r.action == core.ActionStopResource {
			c.Parameters = targetParameters(prompt)
		}
		return c
	}

	conf := 0.5
	return classification{
		IntentType: core.IntentUnknown,
		Provider:   core.ProviderNone,
		Action:     core.ActionNone,
		Confidence: &conf,
	}
}

func detectProvider(lower string) core.Provider {
	switch {
	case containsAny(lower, awsHints):
		return core.ProviderAWS
	case containsAny(lower, gcpHints):
		return core.ProviderGCP
	}
	return core.ProviderMulti
}

// targetParameters takes the last word of the prompt as the resource name.
func targetParameters(prompt string) map[string]any {
	fields := strings.Fields(prompt)
	if len(fields) == 0 {
		return map[string]any{}
	}
	name := strings.TrimRight(fields[len(fields)-1], ".,;:!?")
	params := map[string]any{"resourceName": name}
	if ec2InstanceID.MatchString(name) {
		params["resourceId"] = name
	}
	return params
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
