package governance

import "sort"

// InvocationInfo is the minimal call-site context a Provider needs to
// produce a decision: which plugin is being called, which method, and
// whatever declarative material (self-declared policy, patch policy,
// annotations) the caller can supply.
type InvocationInfo struct {
	PluginID string
	Method   string
}

// Provider is one link in the governance chain of responsibility. It
// either returns a PartialDecision (possibly answering only some fields)
// or reports Abstained=true, meaning "I have no opinion, ask the next
// provider".
type Provider interface {
	// Order determines chain position; providers are walked ascending by
	// Order, so a smaller Order means higher priority (P0 < P1 < ... < P4).
	Order() int
	Resolve(info InvocationInfo) (PartialDecision, bool)
}

// Chain is the ordered list of Providers. The first non-abstaining answer
// for each field wins; later providers can only fill in fields nobody
// above them has already answered.
type Chain struct {
	providers []Provider
}

// NewChain builds a chain, sorting providers by ascending Order.
func NewChain(providers ...Provider) *Chain {
	sorted := append([]Provider(nil), providers...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Order() < sorted[j].Order() })
	return &Chain{providers: sorted}
}

// Resolve walks the chain, merging partial answers until every field is
// resolved or providers are exhausted, then applies the hard floor.
func (c *Chain) Resolve(info InvocationInfo) Decision {
	var r resolved
	for _, p := range c.providers {
		if r.complete() {
			break
		}
		partial, ok := p.Resolve(info)
		if !ok {
			continue
		}
		r.apply(partial)
	}
	return r.finalize()
}
