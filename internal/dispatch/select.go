package dispatch

import (
	"github.com/jeebuddy/tutor/internal/llm"
)

// maxTiers bounds a dispatch to the primary plus one fallback.
const maxTiers = 2

// Tier holds the two model configurations a provider is called with.
type Tier struct {
	Default llm.ProviderConfig
	Deep    llm.ProviderConfig
}

// Candidate is one provider with its model tier.
type Candidate struct {
	Provider llm.Provider
	Tier     Tier
}

func (c Candidate) valid() bool { return c.Provider != nil }

// selectConfig derives the model configuration for one call. Deep-think picks
// the higher-capability tier when one is configured.
func (c Candidate) selectConfig(ctx Context) llm.ProviderConfig {
	if ctx.DeepThink && c.Tier.Deep.Model != "" {
		return c.Tier.Deep
	}
	return c.Tier.Default
}

type attempt struct {
	label     string
	candidate Candidate
	config    llm.ProviderConfig
}

// plan lists the attempts for a request in order. Image requests go only to
// the vision candidate since a text model cannot answer them.
func (d *Dispatcher) plan(ctx Context) []attempt {
	if ctx.HasImage() {
		if !d.vision.valid() {
			return nil
		}
		return []attempt{{label: "vision", candidate: d.vision, config: d.vision.selectConfig(ctx)}}
	}

	out := make([]attempt, 0, maxTiers)
	for i, c := range []Candidate{d.primary, d.secondary} {
		if !c.valid() || len(out) == maxTiers {
			continue
		}
		label := "primary"
		if i > 0 {
			label = "secondary"
		}
		out = append(out, attempt{label: label, candidate: c, config: c.selectConfig(ctx)})
	}
	return out
}
