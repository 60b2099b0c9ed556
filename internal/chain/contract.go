package chain

import (
	"context"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
)

// predictionABI covers the slice of the prediction contract this engine
// consumes: the three user events, the two round lifecycle events and the
// round-struct and cursor views.
const predictionABI = `[
	{"type":"event","name":"BetUp","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"BetDown","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"Claim","anonymous":false,"inputs":[
		{"name":"sender","type":"address","indexed":true},
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"amount","type":"uint256","indexed":false}]},
	{"type":"event","name":"StartRound","anonymous":false,"inputs":[
		{"name":"epoch","type":"uint256","indexed":true}]},
	{"type":"event","name":"LockRound","anonymous":false,"inputs":[
		{"name":"epoch","type":"uint256","indexed":true},
		{"name":"price","type":"int256","indexed":false}]},
	{"type":"function","name":"rounds","stateMutability":"view","inputs":[
		{"name":"","type":"uint256"}],"outputs":[
		{"name":"epoch","type":"uint256"},
		{"name":"startTimestamp","type":"uint256"},
		{"name":"lockTimestamp","type":"uint256"},
		{"name":"closeTimestamp","type":"uint256"},
		{"name":"lockPrice","type":"int256"},
		{"name":"closePrice","type":"int256"},
		{"name":"lockOracleId","type":"uint256"},
		{"name":"closeOracleId","type":"uint256"},
		{"name":"totalAmount","type":"uint256"},
		{"name":"upAmount","type":"uint256"},
		{"name":"downAmount","type":"uint256"},
		{"name":"rewardBaseCalAmount","type":"uint256"},
		{"name":"rewardAmount","type":"uint256"},
		{"name":"oracleCalled","type":"bool"}]},
	{"type":"function","name":"currentEpoch","stateMutability":"view","inputs":[],"outputs":[
		{"name":"","type":"uint256"}]}
]`

const (
	weiPerUnit     = 1e18
	pricePrecision = 1e8 // oracle prices are 8-decimal fixed point
)

// RoundData is the decoded on-chain round struct.
type RoundData struct {
	Epoch          int64
	StartTimestamp time.Time
	LockTimestamp  time.Time
	CloseTimestamp time.Time
	LockPrice      float64
	ClosePrice     float64
	TotalAmount    float64
	UpAmount       float64
	DownAmount     float64
	OracleCalled   bool
}

// Closed reports whether the settlement price has been recorded for the round.
func (r RoundData) Closed() bool {
	return r.OracleCalled
}

// ContractCaller is the read capability the contract binding needs.
type ContractCaller interface {
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// Contract reads the prediction contract's round structs and epoch cursor.
type Contract struct {
	caller  ContractCaller
	address common.Address
	abi     abi.ABI
	limiter *RateLimiter
}

// NewContract parses the ABI and binds it to the given address and caller.
func NewContract(caller ContractCaller, address common.Address, limiter *RateLimiter) (*Contract, error) {
	parsed, err := abi.JSON(strings.NewReader(predictionABI))
	if err != nil {
		return nil, fmt.Errorf("parse prediction abi: %w", err)
	}
	return &Contract{
		caller:  caller,
		address: address,
		abi:     parsed,
		limiter: limiter,
	}, nil
}

// Address returns the bound contract address.
func (c *Contract) Address() common.Address {
	return c.address
}

// ABI returns the parsed contract ABI (shared with the event decoder).
func (c *Contract) ABI() abi.ABI {
	return c.abi
}

// CurrentEpoch reads the contract's epoch cursor.
func (c *Contract) CurrentEpoch(ctx context.Context) (int64, error) {
	out, err := c.call(ctx, "currentEpoch")
	if err != nil {
		return 0, err
	}
	epoch, ok := out[0].(*big.Int)
	if !ok {
		return 0, fmt.Errorf("currentEpoch: unexpected output type %T", out[0])
	}
	return epoch.Int64(), nil
}

// ReadRound fetches and decodes one round struct.
func (c *Contract) ReadRound(ctx context.Context, epoch int64) (RoundData, error) {
	out, err := c.call(ctx, "rounds", big.NewInt(epoch))
	if err != nil {
		return RoundData{}, err
	}
	if len(out) != 14 {
		return RoundData{}, fmt.Errorf("rounds(%d): expected 14 outputs, got %d", epoch, len(out))
	}

	return RoundData{
		Epoch:          out[0].(*big.Int).Int64(),
		StartTimestamp: unixTime(out[1].(*big.Int)),
		LockTimestamp:  unixTime(out[2].(*big.Int)),
		CloseTimestamp: unixTime(out[3].(*big.Int)),
		LockPrice:      priceToUnit(out[4].(*big.Int)),
		ClosePrice:     priceToUnit(out[5].(*big.Int)),
		TotalAmount:    weiToUnit(out[8].(*big.Int)),
		UpAmount:       weiToUnit(out[9].(*big.Int)),
		DownAmount:     weiToUnit(out[10].(*big.Int)),
		OracleCalled:   out[13].(bool),
	}, nil
}

func (c *Contract) call(ctx context.Context, method string, args ...interface{}) ([]interface{}, error) {
	data, err := c.abi.Pack(method, args...)
	if err != nil {
		return nil, fmt.Errorf("pack %s: %w", method, err)
	}

	raw, err := Retry(ctx, "call_"+method, func(ctx context.Context) ([]byte, error) {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		return c.caller.CallContract(ctx, ethereum.CallMsg{To: &c.address, Data: data}, nil)
	})
	if err != nil {
		return nil, err
	}

	out, err := c.abi.Unpack(method, raw)
	if err != nil {
		return nil, fmt.Errorf("unpack %s: %w", method, err)
	}
	return out, nil
}

func unixTime(v *big.Int) time.Time {
	return time.Unix(v.Int64(), 0).UTC()
}

func weiToUnit(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(weiPerUnit)).Float64()
	return f
}

func priceToUnit(v *big.Int) float64 {
	f, _ := new(big.Float).Quo(new(big.Float).SetInt(v), big.NewFloat(pricePrecision)).Float64()
	return f
}
