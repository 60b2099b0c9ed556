package chain

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// BetEvent is a decoded BetUp/BetDown log.
type BetEvent struct {
	Epoch       int64
	Wallet      string
	Direction   string // UP or DOWN
	Amount      float64
	TxHash      string
	BlockNumber uint64
	Time        time.Time
}

// ClaimEvent is a decoded Claim log. The event epoch is the round the bet was
// placed in; the claim epoch is assigned by the reconciler from the block range
// being processed.
type ClaimEvent struct {
	BetEpoch    int64
	Wallet      string
	Amount      float64
	TxHash      string
	BlockNumber uint64
	Time        time.Time
}

// RoundStartEvent is a decoded StartRound log.
type RoundStartEvent struct {
	Epoch       int64
	BlockNumber uint64
}

// RoundLockEvent is a decoded LockRound log.
type RoundLockEvent struct {
	Epoch       int64
	LockPrice   float64
	BlockNumber uint64
}

// EventBatch holds the three event streams fetched for one block range.
type EventBatch struct {
	BetUps   []BetEvent
	BetDowns []BetEvent
	Claims   []ClaimEvent
}

// LogFilterer is the capability the fetcher needs from an RPC client.
type LogFilterer interface {
	FilterLogs(ctx context.Context, q ethereum.FilterQuery) ([]types.Log, error)
}

// Fetcher retrieves and decodes typed event streams for a block range. The
// three filtered queries run concurrently but share one rate limiter.
type Fetcher struct {
	logs     LogFilterer
	headers  HeaderReader
	contract *Contract
	limiter  *RateLimiter
}

// NewFetcher creates an event fetcher bound to the given contract.
func NewFetcher(logs LogFilterer, headers HeaderReader, contract *Contract, limiter *RateLimiter) *Fetcher {
	return &Fetcher{
		logs:     logs,
		headers:  headers,
		contract: contract,
		limiter:  limiter,
	}
}

// FetchRange retrieves bet-up, bet-down and claim events between fromBlock and
// toBlock inclusive, with block timestamps resolved.
func (f *Fetcher) FetchRange(ctx context.Context, fromBlock, toBlock uint64) (*EventBatch, error) {
	var (
		wg    sync.WaitGroup
		mu    sync.Mutex
		batch EventBatch
		errs  []error
	)

	fetch := func(event string, assign func([]types.Log) error) {
		defer wg.Done()
		logs, err := f.filter(ctx, event, fromBlock, toBlock)

		mu.Lock()
		defer mu.Unlock()
		if err != nil {
			errs = append(errs, err)
			return
		}
		if err := assign(logs); err != nil {
			errs = append(errs, err)
		}
	}

	wg.Add(3)
	go fetch("BetUp", func(logs []types.Log) error {
		events, err := f.decodeBets(logs, "UP")
		batch.BetUps = events
		return err
	})
	go fetch("BetDown", func(logs []types.Log) error {
		events, err := f.decodeBets(logs, "DOWN")
		batch.BetDowns = events
		return err
	})
	go fetch("Claim", func(logs []types.Log) error {
		events, err := f.decodeClaims(logs)
		batch.Claims = events
		return err
	})
	wg.Wait()

	if len(errs) > 0 {
		return nil, fmt.Errorf("fetch events [%d, %d]: %w", fromBlock, toBlock, errs[0])
	}

	if err := f.resolveTimes(ctx, &batch); err != nil {
		return nil, err
	}

	return &batch, nil
}

func (f *Fetcher) filter(ctx context.Context, event string, fromBlock, toBlock uint64) ([]types.Log, error) {
	query := ethereum.FilterQuery{
		FromBlock: new(big.Int).SetUint64(fromBlock),
		ToBlock:   new(big.Int).SetUint64(toBlock),
		Addresses: []common.Address{f.contract.Address()},
		Topics:    [][]common.Hash{{f.contract.ABI().Events[event].ID}},
	}

	return Retry(ctx, "filter_"+event, func(ctx context.Context) ([]types.Log, error) {
		if err := f.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return f.logs.FilterLogs(ctx, query)
	})
}

func (f *Fetcher) decodeBets(logs []types.Log, direction string) ([]BetEvent, error) {
	events := make([]BetEvent, 0, len(logs))
	for _, lg := range logs {
		wallet, epoch, amount, err := f.decodeUserLog(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, BetEvent{
			Epoch:       epoch,
			Wallet:      wallet,
			Direction:   direction,
			Amount:      amount,
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
		})
	}
	return events, nil
}

func (f *Fetcher) decodeClaims(logs []types.Log) ([]ClaimEvent, error) {
	events := make([]ClaimEvent, 0, len(logs))
	for _, lg := range logs {
		wallet, epoch, amount, err := f.decodeUserLog(lg)
		if err != nil {
			return nil, err
		}
		events = append(events, ClaimEvent{
			BetEpoch:    epoch,
			Wallet:      wallet,
			Amount:      amount,
			TxHash:      lg.TxHash.Hex(),
			BlockNumber: lg.BlockNumber,
		})
	}
	return events, nil
}

// decodeUserLog decodes the shared (sender, epoch) indexed / (amount) data
// layout of the BetUp, BetDown and Claim events.
func (f *Fetcher) decodeUserLog(lg types.Log) (wallet string, epoch int64, amount float64, err error) {
	if len(lg.Topics) < 3 {
		return "", 0, 0, fmt.Errorf("log %s: expected 3 topics, got %d", lg.TxHash.Hex(), len(lg.Topics))
	}
	if len(lg.Data) < 32 {
		return "", 0, 0, fmt.Errorf("log %s: short data", lg.TxHash.Hex())
	}

	wallet = common.BytesToAddress(lg.Topics[1].Bytes()).Hex()
	epoch = new(big.Int).SetBytes(lg.Topics[2].Bytes()).Int64()
	amount = weiToUnit(new(big.Int).SetBytes(lg.Data[:32]))
	return wallet, epoch, amount, nil
}

// resolveTimes stamps each event with its block timestamp, fetching each
// distinct header once.
func (f *Fetcher) resolveTimes(ctx context.Context, batch *EventBatch) error {
	blocks := make(map[uint64]time.Time)
	for _, ev := range batch.BetUps {
		blocks[ev.BlockNumber] = time.Time{}
	}
	for _, ev := range batch.BetDowns {
		blocks[ev.BlockNumber] = time.Time{}
	}
	for _, ev := range batch.Claims {
		blocks[ev.BlockNumber] = time.Time{}
	}

	for number := range blocks {
		hdr, err := Retry(ctx, "event_header", func(ctx context.Context) (*types.Header, error) {
			if err := f.limiter.Wait(ctx); err != nil {
				return nil, err
			}
			return f.headers.HeaderByNumber(ctx, new(big.Int).SetUint64(number))
		})
		if err != nil {
			return fmt.Errorf("resolve block %d time: %w", number, err)
		}
		blocks[number] = time.Unix(int64(hdr.Time), 0).UTC()
	}

	for i := range batch.BetUps {
		batch.BetUps[i].Time = blocks[batch.BetUps[i].BlockNumber]
	}
	for i := range batch.BetDowns {
		batch.BetDowns[i].Time = blocks[batch.BetDowns[i].BlockNumber]
	}
	for i := range batch.Claims {
		batch.Claims[i].Time = blocks[batch.Claims[i].BlockNumber]
	}
	return nil
}

// DecodeBetLog decodes a live BetUp/BetDown subscription log.
func DecodeBetLog(lg types.Log, direction string, at time.Time) (BetEvent, error) {
	if len(lg.Topics) < 3 || len(lg.Data) < 32 {
		return BetEvent{}, fmt.Errorf("malformed bet log %s", lg.TxHash.Hex())
	}
	return BetEvent{
		Epoch:       new(big.Int).SetBytes(lg.Topics[2].Bytes()).Int64(),
		Wallet:      common.BytesToAddress(lg.Topics[1].Bytes()).Hex(),
		Direction:   direction,
		Amount:      weiToUnit(new(big.Int).SetBytes(lg.Data[:32])),
		TxHash:      lg.TxHash.Hex(),
		BlockNumber: lg.BlockNumber,
		Time:        at,
	}, nil
}

// DecodeRoundStartLog decodes a StartRound subscription log.
func DecodeRoundStartLog(lg types.Log) (RoundStartEvent, error) {
	if len(lg.Topics) < 2 {
		return RoundStartEvent{}, fmt.Errorf("malformed start log %s", lg.TxHash.Hex())
	}
	return RoundStartEvent{
		Epoch:       new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(),
		BlockNumber: lg.BlockNumber,
	}, nil
}

// DecodeRoundLockLog decodes a LockRound subscription log.
func DecodeRoundLockLog(lg types.Log) (RoundLockEvent, error) {
	if len(lg.Topics) < 2 {
		return RoundLockEvent{}, fmt.Errorf("malformed lock log %s", lg.TxHash.Hex())
	}
	ev := RoundLockEvent{
		Epoch:       new(big.Int).SetBytes(lg.Topics[1].Bytes()).Int64(),
		BlockNumber: lg.BlockNumber,
	}
	if len(lg.Data) >= 32 {
		ev.LockPrice = priceToUnit(new(big.Int).SetBytes(lg.Data[:32]))
	}
	return ev, nil
}
