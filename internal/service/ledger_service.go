package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports"
	"custodial-ledger/internal/ledger"
	"custodial-ledger/pkg/apperror"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

const idempotencyTTL = 24 * time.Hour

// LedgerServiceImpl implements ports.LedgerService on top of the core ledger.
// It adds receipt idempotency, error mapping and logging; every business rule
// lives in the ledger itself.
type LedgerServiceImpl struct {
	ledger     *ledger.Ledger
	idempCache ports.IdempotencyCache      // optional
	idempRepo  ports.IdempotencyRepository // optional
	journal    ports.JournalStore          // optional
	inflight   singleflight.Group
	log        zerolog.Logger
}

// LedgerServiceDeps groups the collaborators of LedgerServiceImpl. Only Ledger is required.
type LedgerServiceDeps struct {
	Ledger     *ledger.Ledger
	IdempCache ports.IdempotencyCache
	IdempRepo  ports.IdempotencyRepository
	Journal    ports.JournalStore
	Log        zerolog.Logger
}

// NewLedgerService creates a new LedgerServiceImpl.
func NewLedgerService(deps LedgerServiceDeps) *LedgerServiceImpl {
	return &LedgerServiceImpl{
		ledger:     deps.Ledger,
		idempCache: deps.IdempCache,
		idempRepo:  deps.IdempRepo,
		journal:    deps.Journal,
		log:        deps.Log,
	}
}

// Deposit credits req.Amount to req.Principal.
func (s *LedgerServiceImpl) Deposit(ctx context.Context, req ports.MutationRequest) (*ports.MutationResult, error) {
	return s.mutate(ctx, domain.EventTypeDeposit, req, s.ledger.Deposit)
}

// Withdraw debits req.Amount from req.Principal and transfers it out of custody.
func (s *LedgerServiceImpl) Withdraw(ctx context.Context, req ports.MutationRequest) (*ports.MutationResult, error) {
	return s.mutate(ctx, domain.EventTypeWithdrawal, req, s.ledger.Withdraw)
}

// Balance returns the principal's balance.
func (s *LedgerServiceImpl) Balance(ctx context.Context, principal domain.Principal) uint64 {
	return s.ledger.BalanceOf(ctx, principal)
}

// Stats returns the ledger's read surface.
func (s *LedgerServiceImpl) Stats(ctx context.Context) domain.LedgerSnapshot {
	return s.ledger.Snapshot(ctx)
}

type mutation func(ctx context.Context, principal domain.Principal, amount uint64) (domain.Event, error)

func (s *LedgerServiceImpl) mutate(ctx context.Context, op domain.EventType, req ports.MutationRequest, apply mutation) (*ports.MutationResult, error) {
	if !req.Principal.Valid() {
		return nil, apperror.ErrMissingPrincipal()
	}
	if req.IdempotencyKey == "" {
		ev, err := s.apply(ctx, op, req, apply)
		if err != nil {
			return nil, err
		}
		return &ports.MutationResult{Event: ev}, nil
	}

	key := domain.BuildIdempotencyKey(op, req.Principal, req.IdempotencyKey)

	// Concurrent duplicates share one execution; later ones hit the stores.
	v, err, _ := s.inflight.Do(key, func() (any, error) {
		if ev, ok := s.lookupReceipt(ctx, key); ok {
			if ev.Amount != req.Amount {
				return nil, apperror.ErrIdempotencyConflict()
			}
			return &ports.MutationResult{Event: ev, Replayed: true}, nil
		}

		ev, err := s.apply(ctx, op, req, apply)
		if err != nil {
			return nil, err
		}
		s.storeReceipt(ctx, key, ev)
		return &ports.MutationResult{Event: ev}, nil
	})
	if err != nil {
		return nil, err
	}
	res := *v.(*ports.MutationResult)
	return &res, nil
}

func (s *LedgerServiceImpl) apply(ctx context.Context, op domain.EventType, req ports.MutationRequest, apply mutation) (domain.Event, error) {
	ev, err := apply(ctx, req.Principal, req.Amount)
	if err != nil {
		appErr := apperror.FromLedger(err)
		event := s.log.Warn()
		if appErr.HTTPStatus >= 500 {
			event = s.log.Error()
		}
		event.Err(err).
			Str("op", string(op)).
			Str("principal", req.Principal.String()).
			Uint64("amount", req.Amount).
			Str("client_ip", req.ClientIP).
			Msg("ledger operation rejected")
		return domain.Event{}, appErr
	}

	s.log.Info().
		Str("op", string(op)).
		Str("principal", req.Principal.String()).
		Uint64("amount", req.Amount).
		Uint64("seq", ev.Sequence).
		Uint64("balance_after", ev.BalanceAfter).
		Msg("ledger operation committed")
	return ev, nil
}

// lookupReceipt checks Redis first, then PostgreSQL, backfilling Redis on a
// durable hit. Store failures fall through to processing.
func (s *LedgerServiceImpl) lookupReceipt(ctx context.Context, key string) (domain.Event, bool) {
	if s.idempCache != nil {
		cached, err := s.idempCache.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("redis idempotency check failed, falling through")
		} else if cached != nil {
			if ev, err := decodeReceipt(cached); err == nil {
				return ev, true
			} else {
				s.log.Warn().Err(err).Str("key", key).Msg("discarding unreadable cached receipt")
			}
		}
	}

	if s.idempRepo != nil {
		rec, err := s.idempRepo.Get(ctx, key)
		if err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("db idempotency check failed, falling through")
			return domain.Event{}, false
		}
		if rec != nil {
			ev, err := decodeReceipt(rec.ResponseJSON)
			if err != nil {
				s.log.Error().Err(err).Str("key", key).Msg("stored receipt is unreadable")
				return domain.Event{}, false
			}
			if s.idempCache != nil {
				if err := s.idempCache.Set(ctx, key, rec.ResponseJSON, idempotencyTTL); err != nil {
					s.log.Warn().Err(err).Str("key", key).Msg("failed to backfill idempotency cache")
				}
			}
			return ev, true
		}
	}
	return domain.Event{}, false
}

// storeReceipt is best-effort: the operation is already committed.
func (s *LedgerServiceImpl) storeReceipt(ctx context.Context, key string, ev domain.Event) {
	data, err := json.Marshal(ev)
	if err != nil {
		s.log.Error().Err(err).Str("key", key).Msg("failed to marshal receipt")
		return
	}
	// The request may be gone, the receipt must still be kept.
	ctx = context.WithoutCancel(ctx)

	if s.idempRepo != nil {
		rec := &domain.IdempotencyRecord{
			Key:          key,
			EventSeq:     ev.Sequence,
			ResponseJSON: data,
			CreatedAt:    time.Now().UTC(),
		}
		if err := s.idempRepo.Create(ctx, rec); err != nil {
			s.log.Error().Err(err).Str("key", key).Msg("failed to persist idempotency record")
		}
	}
	if s.idempCache != nil {
		if err := s.idempCache.Set(ctx, key, data, idempotencyTTL); err != nil {
			s.log.Warn().Err(err).Str("key", key).Msg("failed to cache idempotency in redis")
		}
	}
}

func decodeReceipt(data []byte) (domain.Event, error) {
	var ev domain.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		return domain.Event{}, fmt.Errorf("unmarshal receipt: %w", err)
	}
	return ev, nil
}

// ErrJournalCorrupt is returned by Recover when the journal fails verification.
var ErrJournalCorrupt = errors.New("journal corrupt")

// Recover rebuilds the ledger from the journal. It verifies the hash chain,
// then replays every event. It returns the hash of the last entry, which the
// event dispatcher must resume the chain from.
func (s *LedgerServiceImpl) Recover(ctx context.Context) ([]byte, error) {
	if s.journal == nil {
		return nil, nil
	}
	entries, err := s.journal.LoadAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load journal: %w", err)
	}

	prev := []byte{}
	events := make([]domain.Event, 0, len(entries))
	for _, e := range entries {
		if !e.Verify(prev) {
			return nil, fmt.Errorf("%w: entry %d does not match its hash chain", ErrJournalCorrupt, e.Sequence)
		}
		prev = e.Hash
		events = append(events, e.Event)
	}

	if err := s.ledger.Replay(ctx, events); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrJournalCorrupt, err)
	}

	snap := s.ledger.Snapshot(ctx)
	s.log.Info().
		Int("entries", len(entries)).
		Uint64("last_seq", snap.LastSequence).
		Uint64("total_deposits", snap.TotalDeposits).
		Int("accounts", snap.Accounts).
		Msg("ledger recovered from journal")
	return prev, nil
}

var _ ports.LedgerService = (*LedgerServiceImpl)(nil)
