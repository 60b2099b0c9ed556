package chain

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// HeaderReader is the capability the locator needs from an RPC client.
type HeaderReader interface {
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
}

// BlockLocator resolves wall-clock timestamps to block numbers via binary
// search over block headers.
type BlockLocator struct {
	headers HeaderReader
	limiter *RateLimiter
}

// NewBlockLocator creates a locator sharing the given rate limiter.
func NewBlockLocator(headers HeaderReader, limiter *RateLimiter) *BlockLocator {
	return &BlockLocator{headers: headers, limiter: limiter}
}

// FindBlock returns the block number whose timestamp is nearest the target.
// This is O(log N) header fetches. Block timestamps are discrete, so the
// result is a nearest match, not an exact one.
func (l *BlockLocator) FindBlock(ctx context.Context, target time.Time) (uint64, error) {
	head, err := l.header(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("locate head: %w", err)
	}

	targetTS := uint64(target.Unix())
	if targetTS >= head.Time {
		return head.Number.Uint64(), nil
	}

	var (
		lo          = uint64(1)
		hi          = head.Number.Uint64()
		closest     = head.Number.Uint64()
		closestDiff = absDiff(head.Time, targetTS)
	)

	for lo <= hi {
		mid := lo + (hi-lo)/2

		hdr, err := l.header(ctx, new(big.Int).SetUint64(mid))
		if err != nil {
			if errors.Is(err, ethereum.NotFound) {
				// Missing block: treat as if its timestamp were too high
				// and keep searching the low half.
				hi = mid - 1
				continue
			}
			return 0, fmt.Errorf("locate block %d: %w", mid, err)
		}

		if diff := absDiff(hdr.Time, targetTS); diff < closestDiff {
			closest = mid
			closestDiff = diff
		}

		switch {
		case hdr.Time < targetTS:
			lo = mid + 1
		case hdr.Time > targetTS:
			hi = mid - 1
		default:
			return mid, nil
		}
	}

	return closest, nil
}

func (l *BlockLocator) header(ctx context.Context, number *big.Int) (*types.Header, error) {
	return Retry(ctx, "header_by_number", func(ctx context.Context) (*types.Header, error) {
		if err := l.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		hdr, err := l.headers.HeaderByNumber(ctx, number)
		if err != nil {
			return nil, err
		}
		if hdr == nil {
			return nil, ethereum.NotFound
		}
		return hdr, nil
	})
}

func absDiff(a, b uint64) uint64 {
	if a > b {
		return a - b
	}
	return b - a
}
