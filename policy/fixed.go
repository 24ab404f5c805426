package policy

import "github.com/ineyio/gemledger"

// Fixed applies one policy to every feature.
type Fixed struct {
	Policy gemledger.Policy
}

var _ gemledger.PolicySelector = Fixed{}

// PolicyFor returns the fixed policy.
func (f Fixed) PolicyFor(string) gemledger.Policy { return f.Policy }
