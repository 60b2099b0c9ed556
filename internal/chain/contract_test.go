package chain

import (
	"context"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
)

// fakeCaller answers eth_call with pre-packed outputs keyed by the 4-byte
// method selector.
type fakeCaller struct {
	bySelector map[[4]byte][]byte
}

func (c *fakeCaller) CallContract(_ context.Context, msg ethereum.CallMsg, _ *big.Int) ([]byte, error) {
	var sel [4]byte
	copy(sel[:], msg.Data[:4])
	return c.bySelector[sel], nil
}

func newTestContract(t *testing.T, caller ContractCaller) *Contract {
	t.Helper()
	contract, err := NewContract(caller,
		common.HexToAddress("0x18B2A687610328590Bc8F2e5fEdDe3b582A49cdA"),
		NewRateLimiter(1000))
	require.NoError(t, err)
	return contract
}

func selector(c *Contract, method string) [4]byte {
	var sel [4]byte
	copy(sel[:], c.ABI().Methods[method].ID)
	return sel
}

func TestCurrentEpoch(t *testing.T) {
	caller := &fakeCaller{bySelector: map[[4]byte][]byte{}}
	contract := newTestContract(t, caller)

	packed, err := contract.ABI().Methods["currentEpoch"].Outputs.Pack(big.NewInt(1234))
	require.NoError(t, err)
	caller.bySelector[selector(contract, "currentEpoch")] = packed

	epoch, err := contract.CurrentEpoch(context.Background())
	require.NoError(t, err)
	require.Equal(t, int64(1234), epoch)
}

func TestReadRound(t *testing.T) {
	caller := &fakeCaller{bySelector: map[[4]byte][]byte{}}
	contract := newTestContract(t, caller)

	wei := func(n int64) *big.Int {
		return new(big.Int).Mul(big.NewInt(n), big.NewInt(1e18))
	}

	packed, err := contract.ABI().Methods["rounds"].Outputs.Pack(
		big.NewInt(100),                 // epoch
		big.NewInt(1_700_000_000),       // startTimestamp
		big.NewInt(1_700_000_300),       // lockTimestamp
		big.NewInt(1_700_000_600),       // closeTimestamp
		big.NewInt(500_00000000),        // lockPrice, 8-decimal fixed point
		big.NewInt(510_00000000),        // closePrice
		big.NewInt(0),                   // lockOracleId
		big.NewInt(0),                   // closeOracleId
		wei(100),                        // totalAmount
		wei(60),                         // upAmount
		wei(40),                         // downAmount
		wei(60),                         // rewardBaseCalAmount
		wei(97),                         // rewardAmount
		true,                            // oracleCalled
	)
	require.NoError(t, err)
	caller.bySelector[selector(contract, "rounds")] = packed

	round, err := contract.ReadRound(context.Background(), 100)
	require.NoError(t, err)

	require.Equal(t, int64(100), round.Epoch)
	require.Equal(t, int64(1_700_000_000), round.StartTimestamp.Unix())
	require.Equal(t, int64(1_700_000_300), round.LockTimestamp.Unix())
	require.Equal(t, int64(1_700_000_600), round.CloseTimestamp.Unix())
	require.InDelta(t, 500.0, round.LockPrice, 1e-9)
	require.InDelta(t, 510.0, round.ClosePrice, 1e-9)
	require.InDelta(t, 100.0, round.TotalAmount, 1e-9)
	require.InDelta(t, 60.0, round.UpAmount, 1e-9)
	require.InDelta(t, 40.0, round.DownAmount, 1e-9)
	require.True(t, round.Closed())
}

func TestReadRoundNotClosed(t *testing.T) {
	caller := &fakeCaller{bySelector: map[[4]byte][]byte{}}
	contract := newTestContract(t, caller)

	packed, err := contract.ABI().Methods["rounds"].Outputs.Pack(
		big.NewInt(100), big.NewInt(1_700_000_000), big.NewInt(1_700_000_300),
		big.NewInt(1_700_000_600), big.NewInt(0), big.NewInt(0), big.NewInt(0),
		big.NewInt(0), big.NewInt(0), big.NewInt(0), big.NewInt(0),
		big.NewInt(0), big.NewInt(0), false,
	)
	require.NoError(t, err)
	caller.bySelector[selector(contract, "rounds")] = packed

	round, err := contract.ReadRound(context.Background(), 100)
	require.NoError(t, err)
	require.False(t, round.Closed())
}
