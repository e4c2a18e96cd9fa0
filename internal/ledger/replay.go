package ledger

import (
	"context"
	"fmt"
	"maps"

	"custodial-ledger/internal/core/domain"
)

// Replay re-applies previously committed events, in sequence order, and leaves
// the ledger exactly as it was after the last one. It is meant to run once at
// startup before the ledger serves traffic.
//
// Each event is checked against the custody cap and the principal's balance and
// must reproduce the balance and total it recorded. The withdrawal ceiling is
// not re-checked because it may have been changed since the event committed.
// On error the ledger is left untouched. Observers are not notified.
func (l *Ledger) Replay(ctx context.Context, events []domain.Event) error {
	if err := l.acquire(ctx); err != nil {
		return err
	}
	defer l.sem.Release(1)

	st := state{
		balances:        maps.Clone(l.st.balances),
		totalDeposits:   l.st.totalDeposits,
		depositCount:    l.st.depositCount,
		withdrawalCount: l.st.withdrawalCount,
	}
	seq := l.lastSeq

	for _, e := range events {
		if e.Sequence != seq+1 {
			return fmt.Errorf("replay: expected sequence %d, got %d", seq+1, e.Sequence)
		}
		if e.Amount == 0 {
			return fmt.Errorf("replay: sequence %d: %w", e.Sequence, domain.ErrZeroAmount)
		}

		balance := st.balances[e.Principal]
		switch e.Type {
		case domain.EventTypeDeposit:
			if available := l.cfg.BankCap - st.totalDeposits; e.Amount > available {
				return fmt.Errorf("replay: sequence %d: %w",
					e.Sequence, &domain.BankCapExceededError{Attempted: e.Amount, Available: available})
			}
			balance += e.Amount
			st.totalDeposits += e.Amount
			st.depositCount++
		case domain.EventTypeWithdrawal:
			if e.Amount > balance {
				return fmt.Errorf("replay: sequence %d: %w",
					e.Sequence, &domain.InsufficientBalanceError{Requested: e.Amount, Available: balance})
			}
			balance -= e.Amount
			st.totalDeposits -= e.Amount
			st.withdrawalCount++
		default:
			return fmt.Errorf("replay: sequence %d: unknown event type %q", e.Sequence, e.Type)
		}

		if balance == 0 {
			delete(st.balances, e.Principal)
		} else {
			st.balances[e.Principal] = balance
		}
		if balance != e.BalanceAfter || st.totalDeposits != e.TotalDepositsAfter {
			return fmt.Errorf("replay: sequence %d diverges: balance %d (recorded %d), total %d (recorded %d)",
				e.Sequence, balance, e.BalanceAfter, st.totalDeposits, e.TotalDepositsAfter)
		}
		seq = e.Sequence
	}

	l.st = st
	l.lastSeq = seq
	return nil
}
