package service

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"custodial-ledger/internal/adapter/storage/memory"
	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports"
	"custodial-ledger/internal/core/ports/mocks"
	"custodial-ledger/internal/ledger"
	"custodial-ledger/pkg/apperror"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
)

type ledgerTestDeps struct {
	svc        *LedgerServiceImpl
	ledger     *ledger.Ledger
	idempCache *mocks.MockIdempotencyCache
	idempRepo  *mocks.MockIdempotencyRepository
	journal    *mocks.MockJournalStore
	ctrl       *gomock.Controller
}

func testClock() time.Time { return time.Date(2026, 5, 4, 3, 2, 1, 0, time.UTC) }

func setupLedgerService(t *testing.T) *ledgerTestDeps {
	ctrl := gomock.NewController(t)
	d := &ledgerTestDeps{
		ledger:     ledger.New(ledger.Config{WithdrawalLimit: 100, BankCap: 1000}, ledger.WithClock(testClock)),
		idempCache: mocks.NewMockIdempotencyCache(ctrl),
		idempRepo:  mocks.NewMockIdempotencyRepository(ctrl),
		journal:    mocks.NewMockJournalStore(ctrl),
		ctrl:       ctrl,
	}
	d.svc = NewLedgerService(LedgerServiceDeps{
		Ledger:     d.ledger,
		IdempCache: d.idempCache,
		IdempRepo:  d.idempRepo,
		Journal:    d.journal,
		Log:        zerolog.Nop(),
	})
	return d
}

func receiptJSON(t *testing.T, ev domain.Event) []byte {
	t.Helper()
	data, err := json.Marshal(ev)
	require.NoError(t, err)
	return data
}

// ==================== Deposit / Withdraw ====================

func TestLedgerService_Deposit_WithoutKey(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	res, err := d.svc.Deposit(context.Background(), ports.MutationRequest{Principal: "alice", Amount: 250})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, uint64(1), res.Event.Sequence)
	assert.Equal(t, domain.EventTypeDeposit, res.Event.Type)
	assert.Equal(t, uint64(250), res.Event.BalanceAfter)
	assert.Equal(t, uint64(250), d.svc.Balance(context.Background(), "alice"))
}

func TestLedgerService_Deposit_StoresReceipt(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	key := domain.BuildIdempotencyKey(domain.EventTypeDeposit, "alice", "req-1")

	d.idempCache.EXPECT().Get(gomock.Any(), key).Return(nil, nil)
	d.idempRepo.EXPECT().Get(gomock.Any(), key).Return(nil, nil)
	d.idempRepo.EXPECT().Create(gomock.Any(), gomock.Any()).DoAndReturn(
		func(_ context.Context, rec *domain.IdempotencyRecord) error {
			assert.Equal(t, key, rec.Key)
			assert.Equal(t, uint64(1), rec.EventSeq)
			var ev domain.Event
			require.NoError(t, json.Unmarshal(rec.ResponseJSON, &ev))
			assert.Equal(t, uint64(40), ev.Amount)
			return nil
		})
	d.idempCache.EXPECT().Set(gomock.Any(), key, gomock.Any(), idempotencyTTL).Return(nil)

	res, err := d.svc.Deposit(context.Background(), ports.MutationRequest{
		Principal: "alice", Amount: 40, IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
	assert.Equal(t, uint64(40), d.ledger.TotalDeposits(context.Background()))
}

func TestLedgerService_Deposit_ReplayFromCache(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	key := domain.BuildIdempotencyKey(domain.EventTypeDeposit, "alice", "req-1")
	stored := domain.Event{Sequence: 7, Type: domain.EventTypeDeposit, Principal: "alice", Amount: 40, BalanceAfter: 40}

	d.idempCache.EXPECT().Get(gomock.Any(), key).Return(receiptJSON(t, stored), nil)

	res, err := d.svc.Deposit(context.Background(), ports.MutationRequest{
		Principal: "alice", Amount: 40, IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(7), res.Event.Sequence)
	assert.Equal(t, uint64(0), d.ledger.Snapshot(context.Background()).LastSequence, "ledger must not be touched")
}

func TestLedgerService_Withdraw_ReplayFromDBBackfillsCache(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	key := domain.BuildIdempotencyKey(domain.EventTypeWithdrawal, "bob", "w-1")
	data := receiptJSON(t, domain.Event{Sequence: 3, Type: domain.EventTypeWithdrawal, Principal: "bob", Amount: 10})

	d.idempCache.EXPECT().Get(gomock.Any(), key).Return(nil, nil)
	d.idempRepo.EXPECT().Get(gomock.Any(), key).Return(&domain.IdempotencyRecord{Key: key, EventSeq: 3, ResponseJSON: data}, nil)
	d.idempCache.EXPECT().Set(gomock.Any(), key, data, idempotencyTTL).Return(nil)

	res, err := d.svc.Withdraw(context.Background(), ports.MutationRequest{
		Principal: "bob", Amount: 10, IdempotencyKey: "w-1",
	})
	require.NoError(t, err)
	assert.True(t, res.Replayed)
	assert.Equal(t, uint64(3), res.Event.Sequence)
}

func TestLedgerService_Deposit_KeyReusedWithDifferentAmount(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	key := domain.BuildIdempotencyKey(domain.EventTypeDeposit, "alice", "req-1")

	d.idempCache.EXPECT().Get(gomock.Any(), key).
		Return(receiptJSON(t, domain.Event{Sequence: 1, Type: domain.EventTypeDeposit, Principal: "alice", Amount: 40}), nil)

	_, err := d.svc.Deposit(context.Background(), ports.MutationRequest{
		Principal: "alice", Amount: 41, IdempotencyKey: "req-1",
	})
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "LED_006", appErr.Code)
}

func TestLedgerService_Deposit_StoreFailuresDegrade(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	d.idempCache.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("redis down"))
	d.idempRepo.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, errors.New("db down"))
	d.idempRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(errors.New("db down"))
	d.idempCache.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(errors.New("redis down"))

	res, err := d.svc.Deposit(context.Background(), ports.MutationRequest{
		Principal: "alice", Amount: 5, IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(5), res.Event.BalanceAfter)
}

func TestLedgerService_UnreadableCachedReceiptIsIgnored(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	d.idempCache.EXPECT().Get(gomock.Any(), gomock.Any()).Return([]byte("{not json"), nil)
	d.idempRepo.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, nil)
	d.idempRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(nil)
	d.idempCache.EXPECT().Set(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)

	res, err := d.svc.Deposit(context.Background(), ports.MutationRequest{
		Principal: "alice", Amount: 5, IdempotencyKey: "req-1",
	})
	require.NoError(t, err)
	assert.False(t, res.Replayed)
}

func TestLedgerService_LedgerErrorsAreMapped(t *testing.T) {
	tests := []struct {
		name    string
		setup   func(d *ledgerTestDeps)
		call    func(d *ledgerTestDeps) error
		code    string
		details map[string]any
	}{
		{
			name: "zero amount",
			call: func(d *ledgerTestDeps) error {
				_, err := d.svc.Deposit(context.Background(), ports.MutationRequest{Principal: "alice"})
				return err
			},
			code: "LED_001",
		},
		{
			name: "cap exceeded",
			call: func(d *ledgerTestDeps) error {
				_, err := d.svc.Deposit(context.Background(), ports.MutationRequest{Principal: "alice", Amount: 1001})
				return err
			},
			code:    "LED_002",
			details: map[string]any{"attempted": uint64(1001), "available": uint64(1000)},
		},
		{
			name: "over limit",
			call: func(d *ledgerTestDeps) error {
				_, err := d.svc.Withdraw(context.Background(), ports.MutationRequest{Principal: "alice", Amount: 101})
				return err
			},
			code:    "LED_003",
			details: map[string]any{"requested": uint64(101), "limit": uint64(100)},
		},
		{
			name: "insufficient balance",
			setup: func(d *ledgerTestDeps) {
				_, err := d.ledger.Deposit(context.Background(), "alice", 30)
				require.NoError(t, err)
			},
			call: func(d *ledgerTestDeps) error {
				_, err := d.svc.Withdraw(context.Background(), ports.MutationRequest{Principal: "alice", Amount: 50})
				return err
			},
			code:    "LED_004",
			details: map[string]any{"requested": uint64(50), "available": uint64(30)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupLedgerService(t)
			defer d.ctrl.Finish()
			if tt.setup != nil {
				tt.setup(d)
			}

			err := tt.call(d)
			var appErr *apperror.AppError
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.code, appErr.Code)
			if tt.details != nil {
				assert.Equal(t, tt.details, appErr.Details)
			}
		})
	}
}

func TestLedgerService_FailedMutationIsNotCached(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	// Only lookups: no Set or Create for a rejected operation.
	d.idempCache.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, nil)
	d.idempRepo.EXPECT().Get(gomock.Any(), gomock.Any()).Return(nil, nil)

	_, err := d.svc.Withdraw(context.Background(), ports.MutationRequest{
		Principal: "alice", Amount: 10, IdempotencyKey: "w-1",
	})
	require.Error(t, err)
}

func TestLedgerService_InvalidPrincipal(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	_, err := d.svc.Deposit(context.Background(), ports.MutationRequest{Amount: 1})
	var appErr *apperror.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "SEC_001", appErr.Code)
}

func TestLedgerService_ConcurrentDuplicatesExecuteOnce(t *testing.T) {
	l := ledger.New(ledger.Config{WithdrawalLimit: 100, BankCap: 1000})
	svc := NewLedgerService(LedgerServiceDeps{
		Ledger:     l,
		IdempCache: memory.NewIdempotencyCache(),
		Log:        zerolog.Nop(),
	})

	const n = 16
	var wg sync.WaitGroup
	seqs := make([]uint64, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := svc.Deposit(context.Background(), ports.MutationRequest{
				Principal: "alice", Amount: 10, IdempotencyKey: "same",
			})
			errs[i] = err
			if err == nil {
				seqs[i] = res.Event.Sequence
			}
		}()
	}
	wg.Wait()

	for i := range n {
		require.NoError(t, errs[i])
		assert.Equal(t, uint64(1), seqs[i])
	}
	assert.Equal(t, uint64(1), l.DepositCount(context.Background()))
	assert.Equal(t, uint64(10), l.BalanceOf(context.Background(), "alice"))
}

func TestLedgerService_Stats(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	_, err := d.svc.Deposit(context.Background(), ports.MutationRequest{Principal: "alice", Amount: 300})
	require.NoError(t, err)

	stats := d.svc.Stats(context.Background())
	assert.Equal(t, uint64(300), stats.TotalDeposits)
	assert.Equal(t, uint64(700), stats.AvailableCapacity)
	assert.Equal(t, uint64(100), stats.WithdrawalLimit)
	assert.Equal(t, uint64(1), stats.DepositCount)
}

// ==================== Recover ====================

func recordedJournal(t *testing.T) []domain.JournalEntry {
	t.Helper()
	var events []domain.Event
	l := ledger.New(ledger.Config{WithdrawalLimit: 100, BankCap: 1000},
		ledger.WithObserver(ledger.ObserverFunc(func(ev []domain.Event) { events = append(events, ev...) })))
	ctx := context.Background()
	_, err := l.Deposit(ctx, "alice", 500)
	require.NoError(t, err)
	_, err = l.Deposit(ctx, "bob", 200)
	require.NoError(t, err)
	_, err = l.Withdraw(ctx, "alice", 100)
	require.NoError(t, err)

	entries := make([]domain.JournalEntry, 0, len(events))
	prev := []byte{}
	for _, ev := range events {
		e := domain.NewJournalEntry(ev, prev)
		prev = e.Hash
		entries = append(entries, e)
	}
	return entries
}

func TestLedgerService_Recover(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()
	entries := recordedJournal(t)

	d.journal.EXPECT().LoadAll(gomock.Any()).Return(entries, nil)

	last, err := d.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, entries[2].Hash, last)

	ctx := context.Background()
	assert.Equal(t, uint64(400), d.svc.Balance(ctx, "alice"))
	assert.Equal(t, uint64(200), d.svc.Balance(ctx, "bob"))
	stats := d.svc.Stats(ctx)
	assert.Equal(t, uint64(600), stats.TotalDeposits)
	assert.Equal(t, uint64(3), stats.LastSequence)
	assert.Equal(t, uint64(2), stats.DepositCount)
	assert.Equal(t, uint64(1), stats.WithdrawalCount)
}

func TestLedgerService_Recover_EmptyJournal(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	d.journal.EXPECT().LoadAll(gomock.Any()).Return(nil, nil)

	last, err := d.svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Empty(t, last)
	assert.NotNil(t, last)
}

func TestLedgerService_Recover_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func([]domain.JournalEntry) []domain.JournalEntry
	}{
		{
			name: "tampered amount",
			mutate: func(e []domain.JournalEntry) []domain.JournalEntry {
				e[1].Amount = 900
				return e
			},
		},
		{
			name: "missing entry",
			mutate: func(e []domain.JournalEntry) []domain.JournalEntry {
				return append(e[:1], e[2:]...)
			},
		},
		{
			name: "rehashed but divergent",
			mutate: func(e []domain.JournalEntry) []domain.JournalEntry {
				ev := e[2].Event
				ev.BalanceAfter = 1
				e[2] = domain.NewJournalEntry(ev, e[1].Hash)
				return e
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := setupLedgerService(t)
			defer d.ctrl.Finish()

			d.journal.EXPECT().LoadAll(gomock.Any()).Return(tt.mutate(recordedJournal(t)), nil)

			_, err := d.svc.Recover(context.Background())
			assert.ErrorIs(t, err, ErrJournalCorrupt)
			assert.Equal(t, uint64(0), d.svc.Stats(context.Background()).LastSequence)
		})
	}
}

func TestLedgerService_Recover_LoadError(t *testing.T) {
	d := setupLedgerService(t)
	defer d.ctrl.Finish()

	d.journal.EXPECT().LoadAll(gomock.Any()).Return(nil, errors.New("connection refused"))

	_, err := d.svc.Recover(context.Background())
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrJournalCorrupt)
}

func TestLedgerService_Recover_NoJournal(t *testing.T) {
	svc := NewLedgerService(LedgerServiceDeps{
		Ledger: ledger.New(ledger.Config{WithdrawalLimit: 1, BankCap: 1}),
		Log:    zerolog.Nop(),
	})
	last, err := svc.Recover(context.Background())
	require.NoError(t, err)
	assert.Nil(t, last)
}
