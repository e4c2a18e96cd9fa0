// Package ledger implements the custodial accounting state machine: per-principal
// balances of a single asset, a global custody cap, a per-call withdrawal ceiling
// and operation counters.
//
// Every top-level operation runs alone under the ledger's execution lock. A
// withdrawal commits its effects before it hands control to the asset
// transferrer, and the transferrer receives a context that lets it call back
// into the ledger inside the running operation. If the transfer fails, the whole
// operation, including anything those nested calls did, is rolled back.
package ledger

import (
	"context"
	"time"

	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports"

	"golang.org/x/sync/semaphore"
)

// Config holds the immutable limits of a ledger instance.
type Config struct {
	WithdrawalLimit uint64 // max amount movable by one withdrawal
	BankCap         uint64 // max value total deposits may ever reach
}

// Observer receives the events of every committed top-level operation, already
// sequenced. It runs while the ledger is still held and must not call back into it.
type Observer interface {
	Observe(events []domain.Event)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(events []domain.Event)

// Observe calls f(events).
func (f ObserverFunc) Observe(events []domain.Event) { f(events) }

// TransferFunc adapts a function to ports.AssetTransferrer.
type TransferFunc func(ctx context.Context, principal domain.Principal, amount uint64) error

// Transfer calls f(ctx, principal, amount).
func (f TransferFunc) Transfer(ctx context.Context, principal domain.Principal, amount uint64) error {
	return f(ctx, principal, amount)
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithTransferrer sets the collaborator that moves withdrawn value out of custody.
// Without one, withdrawals are purely logical and always succeed.
func WithTransferrer(t ports.AssetTransferrer) Option {
	return func(l *Ledger) { l.transferrer = t }
}

// WithObserver registers the receiver of committed events.
func WithObserver(o Observer) Option {
	return func(l *Ledger) { l.observer = o }
}

// WithLockTimeout bounds how long a top-level operation waits for the
// execution lock. The bound does not apply to the transfer once the lock is held.
func WithLockTimeout(d time.Duration) Option {
	return func(l *Ledger) { l.lockTimeout = d }
}

// WithClock overrides the time source used to stamp events.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// Ledger is the single owned aggregate holding all custody state.
type Ledger struct {
	cfg         Config
	sem         *semaphore.Weighted
	transferrer ports.AssetTransferrer
	observer    Observer
	now         func() time.Time
	lockTimeout time.Duration

	st      state
	lastSeq uint64
}

type state struct {
	balances        map[domain.Principal]uint64 // absent key = zero balance
	totalDeposits   uint64
	depositCount    uint64
	withdrawalCount uint64
}

// New creates an empty ledger. Limits are not validated: a zero cap or ceiling
// simply rejects every positive deposit or withdrawal.
func New(cfg Config, opts ...Option) *Ledger {
	l := &Ledger{
		cfg: cfg,
		sem: semaphore.NewWeighted(1),
		transferrer: TransferFunc(func(context.Context, domain.Principal, uint64) error {
			return nil
		}),
		now: time.Now,
		st:  state{balances: make(map[domain.Principal]uint64)},
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Deposit credits amount to principal.
//
// The returned event carries its final Sequence only when this call is the
// outermost operation; a deposit made from inside a transfer is sequenced when
// the enclosing withdrawal commits.
func (l *Ledger) Deposit(ctx context.Context, principal domain.Principal, amount uint64) (domain.Event, error) {
	if amount == 0 {
		return domain.Event{}, domain.ErrZeroAmount
	}
	op, err := l.begin(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	defer op.end()

	// Total deposits never exceed the cap, so this cannot underflow. Comparing
	// against the room left avoids overflowing totalDeposits+amount.
	if available := l.cfg.BankCap - l.st.totalDeposits; amount > available {
		return domain.Event{}, op.fail(&domain.BankCapExceededError{Attempted: amount, Available: available})
	}

	op.record(principal)
	l.st.balances[principal] += amount
	l.st.totalDeposits += amount
	l.st.depositCount++
	idx := op.emit(domain.EventTypeDeposit, principal, amount)

	return op.commit(idx), nil
}

// Withdraw debits amount from principal and then transfers it out.
//
// Checks run in order (ceiling, then balance) before any mutation. Effects are
// applied before the transferrer is called, so a nested withdrawal made through
// the transfer context sees the reduced balance. A transfer error reverts the
// operation and is reported as *domain.TransferFailedError.
func (l *Ledger) Withdraw(ctx context.Context, principal domain.Principal, amount uint64) (domain.Event, error) {
	if amount == 0 {
		return domain.Event{}, domain.ErrZeroAmount
	}
	op, err := l.begin(ctx)
	if err != nil {
		return domain.Event{}, err
	}
	defer op.end()

	// Checks.
	if amount > l.cfg.WithdrawalLimit {
		return domain.Event{}, op.fail(&domain.WithdrawalLimitExceededError{Requested: amount, Limit: l.cfg.WithdrawalLimit})
	}
	balance := l.st.balances[principal]
	if amount > balance {
		return domain.Event{}, op.fail(&domain.InsufficientBalanceError{Requested: amount, Available: balance})
	}

	// Effects.
	op.record(principal)
	l.setBalance(principal, balance-amount)
	l.st.totalDeposits -= amount
	l.st.withdrawalCount++
	idx := op.emit(domain.EventTypeWithdrawal, principal, amount)

	// Interaction.
	if err := l.transferrer.Transfer(op.ctx, principal, amount); err != nil {
		return domain.Event{}, op.fail(&domain.TransferFailedError{Principal: principal, Amount: amount, Err: err})
	}

	return op.commit(idx), nil
}

// BalanceOf returns the principal's balance, zero if it has none.
func (l *Ledger) BalanceOf(ctx context.Context, principal domain.Principal) uint64 {
	var balance uint64
	l.read(ctx, func() { balance = l.st.balances[principal] })
	return balance
}

// AvailableCapacity returns how much more value the ledger may take in custody.
func (l *Ledger) AvailableCapacity(ctx context.Context) uint64 {
	var available uint64
	l.read(ctx, func() { available = l.cfg.BankCap - l.st.totalDeposits })
	return available
}

// TotalDeposits returns the value currently held in custody.
func (l *Ledger) TotalDeposits(ctx context.Context) uint64 {
	var total uint64
	l.read(ctx, func() { total = l.st.totalDeposits })
	return total
}

// DepositCount returns the number of successful deposits.
func (l *Ledger) DepositCount(ctx context.Context) uint64 {
	var n uint64
	l.read(ctx, func() { n = l.st.depositCount })
	return n
}

// WithdrawalCount returns the number of successful withdrawals.
func (l *Ledger) WithdrawalCount(ctx context.Context) uint64 {
	var n uint64
	l.read(ctx, func() { n = l.st.withdrawalCount })
	return n
}

// WithdrawalLimit returns the per-call withdrawal ceiling.
func (l *Ledger) WithdrawalLimit() uint64 { return l.cfg.WithdrawalLimit }

// BankCap returns the custody cap.
func (l *Ledger) BankCap() uint64 { return l.cfg.BankCap }

// Snapshot returns the whole read surface observed at a single point in the order.
func (l *Ledger) Snapshot(ctx context.Context) domain.LedgerSnapshot {
	var s domain.LedgerSnapshot
	l.read(ctx, func() {
		s = domain.LedgerSnapshot{
			WithdrawalLimit:   l.cfg.WithdrawalLimit,
			BankCap:           l.cfg.BankCap,
			TotalDeposits:     l.st.totalDeposits,
			DepositCount:      l.st.depositCount,
			WithdrawalCount:   l.st.withdrawalCount,
			AvailableCapacity: l.cfg.BankCap - l.st.totalDeposits,
			Accounts:          len(l.st.balances),
			LastSequence:      l.lastSeq,
		}
	})
	return s
}

// setBalance stores a balance, dropping zero entries so absent and zero agree.
func (l *Ledger) setBalance(principal domain.Principal, balance uint64) {
	if balance == 0 {
		delete(l.st.balances, principal)
		return
	}
	l.st.balances[principal] = balance
}

// read runs fn inside the current operation if ctx belongs to one, otherwise
// under the lock. Reads ignore cancellation so they cannot fail.
func (l *Ledger) read(ctx context.Context, fn func()) {
	if f := l.activeFrame(ctx); f != nil {
		fn()
		return
	}
	_ = l.sem.Acquire(context.WithoutCancel(ctx), 1) // cannot fail without a deadline
	defer l.sem.Release(1)
	fn()
}
