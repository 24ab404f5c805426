package policy

import (
	"fmt"

	"github.com/ineyio/gemledger"
)

// PerFeature applies a default policy with explicit per-feature overrides.
type PerFeature struct {
	Default   gemledger.Policy
	Overrides map[string]gemledger.Policy
}

var _ gemledger.PolicySelector = (*PerFeature)(nil)

// NewPerFeature builds a selector from config-style policy names.
// Features without an override use def.
func NewPerFeature(def gemledger.Policy, overrides map[string]string) (*PerFeature, error) {
	p := &PerFeature{
		Default:   def,
		Overrides: make(map[string]gemledger.Policy, len(overrides)),
	}
	for key, name := range overrides {
		if name == "" {
			continue
		}
		pol, err := gemledger.ParsePolicy(name)
		if err != nil {
			return nil, fmt.Errorf("policy: feature %q: %w", key, err)
		}
		p.Overrides[key] = pol
	}
	return p, nil
}

// PolicyFor returns the override for featureKey, or the default.
func (p *PerFeature) PolicyFor(featureKey string) gemledger.Policy {
	if pol, ok := p.Overrides[featureKey]; ok {
		return pol
	}
	return p.Default
}
