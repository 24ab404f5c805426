package gemledger

import "fmt"

// Policy orders the charge relative to the paid operation.
type Policy int

const (
	// PolicyDeductFirst charges before generating and refunds on failure.
	PolicyDeductFirst Policy = iota
	// PolicyDeductAfter generates first and charges only on success.
	PolicyDeductAfter
)

func (p Policy) String() string {
	switch p {
	case PolicyDeductFirst:
		return "deduct_first"
	case PolicyDeductAfter:
		return "deduct_after"
	default:
		return "unknown"
	}
}

// ParsePolicy parses a policy name as written in config.
func ParsePolicy(s string) (Policy, error) {
	switch s {
	case "", "deduct_first", "deduct-first":
		return PolicyDeductFirst, nil
	case "deduct_after", "deduct-after":
		return PolicyDeductAfter, nil
	default:
		return 0, fmt.Errorf("gemledger: unknown policy %q", s)
	}
}

// PolicySelector picks the spend policy for a feature.
type PolicySelector interface {
	PolicyFor(featureKey string) Policy
}

// defaultPolicySelector always deducts first.
type defaultPolicySelector struct{}

func (defaultPolicySelector) PolicyFor(string) Policy { return PolicyDeductFirst }
