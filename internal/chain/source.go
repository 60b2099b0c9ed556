package chain

// Source bundles the contract reader, block locator and event fetcher behind
// one value, which is what the reconciler consumes.
type Source struct {
	*Contract
	*BlockLocator
	*Fetcher
}

// NewSource composes the three read paths over a shared rate limiter.
func NewSource(contract *Contract, locator *BlockLocator, fetcher *Fetcher) *Source {
	return &Source{Contract: contract, BlockLocator: locator, Fetcher: fetcher}
}
