package ledger

import (
	"context"
	"errors"
	"testing"

	"custodial-ledger/internal/core/domain"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// reentrantTransferrer calls back into the ledger from inside a withdrawal.
type reentrantTransferrer struct {
	l      *Ledger
	nested func(ctx context.Context, l *Ledger) error
	fail   error
	calls  int
}

func (r *reentrantTransferrer) Transfer(ctx context.Context, principal domain.Principal, amount uint64) error {
	r.calls++
	if r.calls == 1 && r.nested != nil {
		if err := r.nested(ctx, r.l); err != nil {
			return err
		}
	}
	return r.fail
}

func newReentrantLedger(t *testing.T, tr *reentrantTransferrer, opts ...Option) *Ledger {
	t.Helper()
	l := newTestLedger(100, 1000, append([]Option{WithTransferrer(tr)}, opts...)...)
	tr.l = l
	return l
}

func TestReentrancy_NestedWithdrawSeesReducedBalance(t *testing.T) {
	var nestedErr error
	tr := &reentrantTransferrer{nested: func(ctx context.Context, l *Ledger) error {
		// Balance is 100 after the outer 80: asking 90 must fail.
		_, nestedErr = l.Withdraw(ctx, alice, 90)
		return nil
	}}
	l := newReentrantLedger(t, tr)
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 180)
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, alice, 80)
	require.NoError(t, err)

	var balErr *domain.InsufficientBalanceError
	require.ErrorAs(t, nestedErr, &balErr)
	assert.Equal(t, uint64(90), balErr.Requested)
	assert.Equal(t, uint64(100), balErr.Available)

	assert.Equal(t, uint64(100), l.BalanceOf(ctx, alice))
	assert.Equal(t, uint64(100), l.TotalDeposits(ctx))
	assert.Equal(t, uint64(1), l.WithdrawalCount(ctx))
	assertInvariants(t, l)
}

func TestReentrancy_NestedWithdrawWithinBalanceCommitsBoth(t *testing.T) {
	var events []domain.Event
	tr := &reentrantTransferrer{nested: func(ctx context.Context, l *Ledger) error {
		_, err := l.Withdraw(ctx, alice, 50)
		return err
	}}
	l := newReentrantLedger(t, tr, WithObserver(ObserverFunc(func(ev []domain.Event) {
		events = append(events, ev...)
	})))
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 200)
	require.NoError(t, err)
	events = nil

	outer, err := l.Withdraw(ctx, alice, 100)
	require.NoError(t, err)

	assert.Equal(t, uint64(50), l.BalanceOf(ctx, alice))
	assert.Equal(t, uint64(50), l.TotalDeposits(ctx))
	assert.Equal(t, uint64(2), l.WithdrawalCount(ctx))

	// Delivered together, outer first, in the order effects were applied.
	require.Len(t, events, 2)
	assert.Equal(t, outer, events[0])
	assert.Equal(t, uint64(2), events[0].Sequence)
	assert.Equal(t, uint64(100), events[0].Amount)
	assert.Equal(t, uint64(100), events[0].BalanceAfter)
	assert.Equal(t, uint64(3), events[1].Sequence)
	assert.Equal(t, uint64(50), events[1].Amount)
	assert.Equal(t, uint64(50), events[1].BalanceAfter)
	assertInvariants(t, l)
}

func TestReentrancy_NestedDepositRespectsCap(t *testing.T) {
	var nestedErr error
	tr := &reentrantTransferrer{nested: func(ctx context.Context, l *Ledger) error {
		// The outer withdrawal already freed 100 of room.
		_, err := l.Deposit(ctx, bob, 100)
		if err != nil {
			return err
		}
		_, nestedErr = l.Deposit(ctx, bob, 1)
		return nil
	}}
	l := newReentrantLedger(t, tr)
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 1000)
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, alice, 100)
	require.NoError(t, err)
	assert.ErrorIs(t, nestedErr, domain.ErrBankCapExceeded)
	assert.Equal(t, uint64(100), l.BalanceOf(ctx, bob))
	assert.Equal(t, uint64(1000), l.TotalDeposits(ctx))
	assert.Equal(t, uint64(2), l.DepositCount(ctx))
	assertInvariants(t, l)
}

func TestReentrancy_TransferFailureRevertsNestedEffects(t *testing.T) {
	var observed int
	tr := &reentrantTransferrer{
		nested: func(ctx context.Context, l *Ledger) error {
			if _, err := l.Withdraw(ctx, alice, 30); err != nil {
				return err
			}
			_, err := l.Deposit(ctx, bob, 70)
			return err
		},
		fail: errors.New("payout rejected"),
	}
	l := newReentrantLedger(t, tr, WithObserver(ObserverFunc(func(ev []domain.Event) {
		observed += len(ev)
	})))
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 200)
	require.NoError(t, err)
	observed = 0
	before := capture(l)

	_, err = l.Withdraw(ctx, alice, 100)
	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.Equal(t, before, capture(l))
	assert.Zero(t, observed)
	assert.Equal(t, uint64(200), l.BalanceOf(ctx, alice))
	assert.Equal(t, uint64(0), l.BalanceOf(ctx, bob))
}

func TestReentrancy_NestedFailureRevertsOnlyItself(t *testing.T) {
	tr := &reentrantTransferrer{nested: func(ctx context.Context, l *Ledger) error {
		if _, err := l.Deposit(ctx, bob, 10); err != nil {
			return err
		}
		// Inner withdrawal whose own transfer fails.
		_, err := l.Withdraw(ctx, bob, 10)
		assert.ErrorIs(t, err, domain.ErrTransferFailed)
		return nil
	}}
	l := newReentrantLedger(t, tr)
	// Second and later transfers fail; the first (outer) one succeeds.
	l.transferrer = TransferFunc(func(ctx context.Context, p domain.Principal, amount uint64) error {
		tr.calls++
		if tr.calls == 1 {
			return tr.nested(ctx, l)
		}
		return errors.New("inner payout rejected")
	})
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 100)
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, alice, 40)
	require.NoError(t, err)
	assert.Equal(t, uint64(60), l.BalanceOf(ctx, alice))
	assert.Equal(t, uint64(10), l.BalanceOf(ctx, bob))
	assert.Equal(t, uint64(2), l.DepositCount(ctx))
	assert.Equal(t, uint64(1), l.WithdrawalCount(ctx))
	assertInvariants(t, l)
}

func TestReentrancy_NestedReadsDoNotBlock(t *testing.T) {
	var snap domain.LedgerSnapshot
	tr := &reentrantTransferrer{nested: func(ctx context.Context, l *Ledger) error {
		snap = l.Snapshot(ctx)
		return nil
	}}
	l := newReentrantLedger(t, tr)
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 100)
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, alice, 25)
	require.NoError(t, err)
	assert.Equal(t, uint64(75), snap.TotalDeposits)
	assert.Equal(t, uint64(1), snap.WithdrawalCount)
	// Sequences are assigned at commit, so the in-flight withdrawal is not counted yet.
	assert.Equal(t, uint64(1), snap.LastSequence)
}

func TestReentrancy_EscapedContextTakesLockAfterCommit(t *testing.T) {
	var escaped context.Context
	tr := &reentrantTransferrer{nested: func(ctx context.Context, _ *Ledger) error {
		escaped = ctx
		return nil
	}}
	l := newReentrantLedger(t, tr)
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 100)
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, alice, 10)
	require.NoError(t, err)

	// The operation is over: using its context starts a fresh top-level operation.
	ev, err := l.Deposit(escaped, bob, 5)
	require.NoError(t, err)
	assert.Equal(t, uint64(3), ev.Sequence)
	assert.Nil(t, l.activeFrame(escaped))
}

func TestReentrancy_PanicInTransferRevertsAndReleases(t *testing.T) {
	l := newTestLedger(100, 1000, WithTransferrer(TransferFunc(func(ctx context.Context, p domain.Principal, amount uint64) error {
		panic("custodian exploded")
	})))
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 100)
	require.NoError(t, err)
	before := capture(l)

	assert.Panics(t, func() { _, _ = l.Withdraw(ctx, alice, 50) })
	assert.Equal(t, before, capture(l))

	// Lock was released.
	_, err = l.Deposit(ctx, alice, 1)
	assert.NoError(t, err)
}

func TestReentrancy_OtherLedgerContextIsIgnored(t *testing.T) {
	other := newTestLedger(100, 1000)
	var nestedErr error
	tr := &reentrantTransferrer{nested: func(ctx context.Context, _ *Ledger) error {
		_, nestedErr = other.Deposit(ctx, bob, 10)
		return nil
	}}
	l := newReentrantLedger(t, tr)
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 100)
	require.NoError(t, err)

	_, err = l.Withdraw(ctx, alice, 10)
	require.NoError(t, err)
	require.NoError(t, nestedErr)
	assert.Equal(t, uint64(10), other.BalanceOf(ctx, bob))
	assert.Equal(t, uint64(0), l.BalanceOf(ctx, bob))
}

func TestReentrancy_NestedLedgerErrorReportedAsTransferFailure(t *testing.T) {
	tr := &reentrantTransferrer{nested: func(ctx context.Context, l *Ledger) error {
		// bob holds nothing, so the nested withdrawal is rejected.
		_, err := l.Withdraw(ctx, bob, 60)
		return err
	}}
	l := newReentrantLedger(t, tr)
	ctx := context.Background()
	_, err := l.Deposit(ctx, alice, 140)
	require.NoError(t, err)
	before := capture(l)

	_, err = l.Withdraw(ctx, alice, 40)

	assert.ErrorIs(t, err, domain.ErrTransferFailed)
	assert.NotErrorIs(t, err, domain.ErrInsufficientBalance)
	var balanceErr *domain.InsufficientBalanceError
	assert.False(t, errors.As(err, &balanceErr))

	var tf *domain.TransferFailedError
	require.ErrorAs(t, err, &tf)
	assert.ErrorIs(t, tf.Err, domain.ErrInsufficientBalance, "nested error stays available as the cause")
	assert.Equal(t, before, capture(l))
}
