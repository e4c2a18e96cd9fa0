package ledger

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"custodial-ledger/internal/core/domain"

	"github.com/google/uuid"
)

type frameKey struct{}

// frame is the state of one top-level operation and every call nested in it.
// It is reachable only through the context handed to the transferrer and must
// not be shared with other goroutines.
type frame struct {
	ledger *Ledger
	active atomic.Bool
	undo   []undoEntry
	events []domain.Event
}

// undoEntry holds everything a single mutation may change, as it was before.
type undoEntry struct {
	principal       domain.Principal
	balance         uint64
	existed         bool
	totalDeposits   uint64
	depositCount    uint64
	withdrawalCount uint64
}

type savepoint struct {
	undo   int
	events int
}

// operation is one Deposit or Withdraw call, outermost or nested.
type operation struct {
	l         *Ledger
	f         *frame
	ctx       context.Context
	outermost bool
	sp        savepoint
	done      bool
}

func (l *Ledger) activeFrame(ctx context.Context) *frame {
	f, ok := ctx.Value(frameKey{}).(*frame)
	if !ok || f.ledger != l || !f.active.Load() {
		return nil
	}
	return f
}

// begin joins the operation already running on ctx, or takes the lock and
// starts a new one.
func (l *Ledger) begin(ctx context.Context) (*operation, error) {
	if f := l.activeFrame(ctx); f != nil {
		return &operation{
			l:   l,
			f:   f,
			ctx: ctx,
			sp:  savepoint{undo: len(f.undo), events: len(f.events)},
		}, nil
	}

	if err := l.acquire(ctx); err != nil {
		return nil, err
	}
	f := &frame{ledger: l}
	f.active.Store(true)
	return &operation{
		l:         l,
		f:         f,
		ctx:       context.WithValue(ctx, frameKey{}, f),
		outermost: true,
	}, nil
}

func (l *Ledger) acquire(ctx context.Context) error {
	if l.lockTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, l.lockTimeout)
		defer cancel()
	}
	if err := l.sem.Acquire(ctx, 1); err != nil {
		return fmt.Errorf("%w: %w", domain.ErrLockTimeout, err)
	}
	return nil
}

// record saves what the next mutation of principal is about to overwrite.
func (op *operation) record(principal domain.Principal) {
	st := &op.l.st
	balance, existed := st.balances[principal]
	op.f.undo = append(op.f.undo, undoEntry{
		principal:       principal,
		balance:         balance,
		existed:         existed,
		totalDeposits:   st.totalDeposits,
		depositCount:    st.depositCount,
		withdrawalCount: st.withdrawalCount,
	})
}

// emit reserves the event slot for this operation, stamped with the state it
// produced. The slot is discarded if the operation rolls back.
func (op *operation) emit(t domain.EventType, principal domain.Principal, amount uint64) int {
	st := &op.l.st
	op.f.events = append(op.f.events, domain.Event{
		ID:                 uuid.New(),
		Type:               t,
		Principal:          principal,
		Amount:             amount,
		BalanceAfter:       st.balances[principal],
		TotalDepositsAfter: st.totalDeposits,
		OccurredAt:         op.l.now().UTC().Truncate(time.Microsecond), // journal precision
	})
	return len(op.f.events) - 1
}

// fail reverts everything done since the operation began and returns err.
func (op *operation) fail(err error) error {
	op.rollback()
	op.done = true
	return err
}

// commit finishes a successful operation and returns its event. Only the
// outermost operation sequences the buffered events and notifies the observer.
func (op *operation) commit(idx int) domain.Event {
	op.done = true
	if !op.outermost {
		return op.f.events[idx]
	}

	op.f.active.Store(false)
	for i := range op.f.events {
		op.l.lastSeq++
		op.f.events[i].Sequence = op.l.lastSeq
	}
	if op.l.observer != nil {
		op.l.observer.Observe(append([]domain.Event(nil), op.f.events...))
	}
	return op.f.events[idx]
}

// end is deferred by every operation. It reverts an operation that neither
// failed nor committed (a panic) and releases the lock when outermost.
func (op *operation) end() {
	if !op.done {
		op.rollback()
	}
	if op.outermost {
		op.f.active.Store(false)
		op.l.sem.Release(1)
	}
}

func (op *operation) rollback() {
	f, st := op.f, &op.l.st
	for i := len(f.undo) - 1; i >= op.sp.undo; i-- {
		u := f.undo[i]
		if u.existed {
			st.balances[u.principal] = u.balance
		} else {
			delete(st.balances, u.principal)
		}
		st.totalDeposits = u.totalDeposits
		st.depositCount = u.depositCount
		st.withdrawalCount = u.withdrawalCount
	}
	f.undo = f.undo[:op.sp.undo]
	f.events = f.events[:op.sp.events]
}
