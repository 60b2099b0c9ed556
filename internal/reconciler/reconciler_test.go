package reconciler

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/predwatch/engine/internal/chain"
	"github.com/predwatch/engine/internal/metrics"
	"github.com/predwatch/engine/internal/store"
)

type fakeChain struct {
	current int64
	rounds  map[int64]chain.RoundData
	batch   *chain.EventBatch
	batchFn func(fromBlock, toBlock uint64) *chain.EventBatch

	readCalls  int
	blockCalls int
	fetchCalls int
}

func (c *fakeChain) CurrentEpoch(context.Context) (int64, error) {
	return c.current, nil
}

func (c *fakeChain) ReadRound(ctx context.Context, epoch int64) (chain.RoundData, error) {
	c.readCalls++
	if err := ctx.Err(); err != nil {
		return chain.RoundData{}, err
	}
	round, ok := c.rounds[epoch]
	if !ok {
		return chain.RoundData{}, errors.New("execution reverted")
	}
	return round, nil
}

func (c *fakeChain) FindBlock(_ context.Context, target time.Time) (uint64, error) {
	c.blockCalls++
	return uint64(target.Unix()), nil
}

func (c *fakeChain) FetchRange(_ context.Context, fromBlock, toBlock uint64) (*chain.EventBatch, error) {
	c.fetchCalls++
	if c.batchFn != nil {
		return c.batchFn(fromBlock, toBlock), nil
	}
	return c.batch, nil
}

type fakeStore struct {
	rounds     map[int64]bool
	failures   map[int64]int
	onHasRound func(epoch int64)

	committed  []store.Round
	bets       []store.Bet
	claims     []store.Claim
	deleted    []int64
	provErased []int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{rounds: map[int64]bool{}, failures: map[int64]int{}}
}

func (s *fakeStore) HasRound(_ context.Context, epoch int64) (bool, error) {
	if s.onHasRound != nil {
		s.onHasRound(epoch)
	}
	return s.rounds[epoch], nil
}

func (s *fakeStore) DeleteRound(_ context.Context, epoch int64) error {
	s.deleted = append(s.deleted, epoch)
	return nil
}

func (s *fakeStore) CommitEpoch(_ context.Context, round store.Round, bets []store.Bet, claims []store.Claim) error {
	s.rounds[round.Epoch] = true
	s.committed = append(s.committed, round)
	s.bets = append(s.bets, bets...)
	s.claims = append(s.claims, claims...)
	return nil
}

func (s *fakeStore) DeleteProvisionalBets(_ context.Context, epoch int64) error {
	s.provErased = append(s.provErased, epoch)
	return nil
}

func (s *fakeStore) RecordEpochFailure(_ context.Context, epoch int64, _ string) (int, error) {
	s.failures[epoch]++
	return s.failures[epoch], nil
}

func (s *fakeStore) EpochFailureCount(_ context.Context, epoch int64) (int, error) {
	return s.failures[epoch], nil
}

type fakeDetector struct {
	epochs []int64
}

func (d *fakeDetector) DetectEpoch(_ context.Context, claimEpoch int64, _ []store.Claim) ([]store.SuspiciousGroup, error) {
	d.epochs = append(d.epochs, claimEpoch)
	return nil, nil
}

func closedRound(epoch int64, start int64) chain.RoundData {
	return chain.RoundData{
		Epoch:          epoch,
		StartTimestamp: time.Unix(start, 0).UTC(),
		LockTimestamp:  time.Unix(start+300, 0).UTC(),
		CloseTimestamp: time.Unix(start+600, 0).UTC(),
		LockPrice:      500,
		ClosePrice:     510,
		TotalAmount:    100,
		UpAmount:       60,
		DownAmount:     40,
		OracleCalled:   true,
	}
}

func fullBatch(epoch int64) *chain.EventBatch {
	return &chain.EventBatch{
		BetUps: []chain.BetEvent{
			{Epoch: epoch, Wallet: "0xAAA", Direction: "UP", Amount: 3, TxHash: "0x01", BlockNumber: 10},
			{Epoch: epoch + 1, Wallet: "0xBBB", Direction: "UP", Amount: 1, TxHash: "0x02", BlockNumber: 11},
		},
		BetDowns: []chain.BetEvent{
			{Epoch: epoch, Wallet: "0xCCC", Direction: "DOWN", Amount: 2, TxHash: "0x03", BlockNumber: 10},
		},
		Claims: []chain.ClaimEvent{
			{BetEpoch: epoch - 5, Wallet: "0xAAA", Amount: 4, TxHash: "0x04", BlockNumber: 12},
		},
	}
}

func newTestReconciler(chainSrc *fakeChain, st *fakeStore, det *fakeDetector) *Reconciler {
	return New(chainSrc, st, det, metrics.NewTracker(), Config{
		EpochPause:  time.Millisecond,
		MaxFailures: 3,
	})
}

func TestProcessEpochCommits(t *testing.T) {
	chainSrc := &fakeChain{
		current: 105,
		rounds: map[int64]chain.RoundData{
			100: closedRound(100, 1_700_000_000),
			101: closedRound(101, 1_700_000_600),
		},
		batch: fullBatch(100),
	}
	st := newFakeStore()
	det := &fakeDetector{}
	r := newTestReconciler(chainSrc, st, det)

	require.NoError(t, r.ProcessEpoch(context.Background(), 100))

	require.Len(t, st.committed, 1)
	round := st.committed[0]
	require.Equal(t, int64(100), round.Epoch)
	require.Equal(t, store.DirectionUp, round.Result)
	require.InDelta(t, 100*0.97/60, round.UpPayout, 1e-12)
	require.InDelta(t, 100*0.97/40, round.DownPayout, 1e-12)

	// The range spills into epoch 101; only epoch-100 bets are kept, each
	// with its outcome resolved.
	require.Len(t, st.bets, 2)
	for _, bet := range st.bets {
		require.Equal(t, int64(100), bet.Epoch)
	}
	require.Equal(t, store.ResultWin, st.bets[0].Result)
	require.Equal(t, store.ResultLoss, st.bets[1].Result)

	// Claims keep their originating bet epoch and gain the claim epoch.
	require.Len(t, st.claims, 1)
	require.Equal(t, int64(100), st.claims[0].Epoch)
	require.Equal(t, int64(95), st.claims[0].BetEpoch)

	// Post-commit: provisional rows superseded, claim set inspected.
	require.Equal(t, []int64{100}, st.provErased)
	require.Equal(t, []int64{100}, det.epochs)
}

func TestProcessEpochNotClosed(t *testing.T) {
	open := closedRound(100, 1_700_000_000)
	open.OracleCalled = false

	chainSrc := &fakeChain{current: 105, rounds: map[int64]chain.RoundData{100: open}}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	err := r.ProcessEpoch(context.Background(), 100)
	require.ErrorIs(t, err, ErrRoundNotClosed)

	// Not-closed is not a failure: no counter bump, retried next pass.
	require.Empty(t, st.failures)
	require.Empty(t, st.committed)
}

func TestProcessEpochValidationFailure(t *testing.T) {
	chainSrc := &fakeChain{
		current: 105,
		rounds: map[int64]chain.RoundData{
			100: closedRound(100, 1_700_000_000),
			101: closedRound(101, 1_700_000_600),
		},
		// No down bets and no claims: incomplete.
		batch: &chain.EventBatch{
			BetUps: []chain.BetEvent{{Epoch: 100, Wallet: "0xAAA", Direction: "UP", Amount: 3, TxHash: "0x01"}},
		},
	}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	err := r.ProcessEpoch(context.Background(), 100)
	require.ErrorIs(t, err, ErrIncompleteData)

	// Failure path: partial cleanup plus a recorded failure, nothing committed.
	require.Equal(t, []int64{100}, st.deleted)
	require.Equal(t, 1, st.failures[100])
	require.Empty(t, st.committed)
}

func TestProcessEpochPermanentSkip(t *testing.T) {
	chainSrc := &fakeChain{current: 105, rounds: map[int64]chain.RoundData{}}
	st := newFakeStore()
	st.failures[100] = 3
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	err := r.ProcessEpoch(context.Background(), 100)
	require.ErrorIs(t, err, ErrEpochSkipped)

	// The skip is decided before any RPC work.
	require.Zero(t, chainSrc.readCalls)
	require.Zero(t, chainSrc.blockCalls)
	require.Zero(t, chainSrc.fetchCalls)
}

func TestProcessEpochReachesFailureCap(t *testing.T) {
	chainSrc := &fakeChain{current: 105, rounds: map[int64]chain.RoundData{}}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	for i := 0; i < 3; i++ {
		err := r.ProcessEpoch(context.Background(), 100)
		require.Error(t, err)
		require.NotErrorIs(t, err, ErrEpochSkipped)
	}
	require.Equal(t, 3, st.failures[100])

	// Fourth attempt is refused without touching the chain.
	before := chainSrc.readCalls
	err := r.ProcessEpoch(context.Background(), 100)
	require.ErrorIs(t, err, ErrEpochSkipped)
	require.Equal(t, before, chainSrc.readCalls)
}

func TestProcessEpochCancellationLeavesNoFailureMark(t *testing.T) {
	chainSrc := &fakeChain{
		current: 105,
		rounds: map[int64]chain.RoundData{
			100: closedRound(100, 1_700_000_000),
			101: closedRound(101, 1_700_000_600),
		},
		batch: fullBatch(100),
	}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	// A scheduler stops runs routinely; interrupted attempts must not
	// count against the epoch's failure budget.
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	for i := 0; i < 3; i++ {
		err := r.ProcessEpoch(ctx, 100)
		require.ErrorIs(t, err, context.Canceled)
	}

	require.Empty(t, st.failures)
	require.Empty(t, st.deleted)

	// The epoch is still processable on the next run.
	err := r.ProcessEpoch(context.Background(), 100)
	require.NoError(t, err)
	require.Len(t, st.committed, 1)
}

func TestProcessEpochDeadlineLeavesNoFailureMark(t *testing.T) {
	chainSrc := &fakeChain{current: 105, rounds: map[int64]chain.RoundData{}}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	ctx, cancel := context.WithDeadline(context.Background(), time.Now().Add(-time.Second))
	defer cancel()

	err := r.ProcessEpoch(ctx, 100)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.Empty(t, st.failures)
}

func TestRunWalksBackwardAndSkipsExisting(t *testing.T) {
	chainSrc := &fakeChain{
		current: 7,
		rounds: map[int64]chain.RoundData{
			1: closedRound(1, 1_700_000_000),
			2: closedRound(2, 1_700_000_600),
			3: closedRound(3, 1_700_001_200),
			4: closedRound(4, 1_700_001_800),
			5: closedRound(5, 1_700_002_400),
			6: closedRound(6, 1_700_003_000),
		},
	}
	// Epoch starts are 600s apart; recover the epoch from the range start.
	chainSrc.batchFn = func(fromBlock, _ uint64) *chain.EventBatch {
		epoch := int64(fromBlock-1_700_000_000)/600 + 1
		return fullBatch(epoch)
	}
	st := newFakeStore()
	st.rounds[4] = true // already reconciled
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	require.NoError(t, r.Run(context.Background()))

	// Cursor starts at current − 2 and walks down to 1; epoch 4 was
	// already present, so it is neither re-fetched nor re-committed.
	var epochs []int64
	for _, round := range st.committed {
		epochs = append(epochs, round.Epoch)
	}
	require.Equal(t, []int64{5, 3, 2, 1}, epochs)
}

func TestRunHonorsStopRequest(t *testing.T) {
	chainSrc := &fakeChain{
		current: 10,
		rounds: map[int64]chain.RoundData{
			8: closedRound(8, 1_700_000_000),
			9: closedRound(9, 1_700_000_600),
		},
		batch: fullBatch(8),
	}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	// Request the stop while the first epoch is in flight: it finishes, the
	// rest of the walk does not start.
	st.onHasRound = func(int64) { r.RequestStop() }

	require.NoError(t, r.Run(context.Background()))
	require.Len(t, st.committed, 1)
	require.Equal(t, int64(8), st.committed[0].Epoch)
}

func TestRunStopsOnCancelledContext(t *testing.T) {
	chainSrc := &fakeChain{current: 1000, rounds: map[int64]chain.RoundData{}}
	st := newFakeStore()
	r := newTestReconciler(chainSrc, st, &fakeDetector{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := r.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.Empty(t, st.committed)
}
