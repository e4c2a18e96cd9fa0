package service

import (
	"context"
	"errors"
	"sync"
	"time"

	"custodial-ledger/internal/core/domain"
	"custodial-ledger/internal/core/ports"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultQueueSize = 1024
	publishTimeout   = 5 * time.Second

	// journalTimeout bounds each append. Appends run while the ledger is held,
	// so it stays well below the default ledger.lock_timeout.
	journalTimeout = time.Second
)

// EventDispatcher receives committed ledger events, chains them into the
// journal and hands them to the publishers.
//
// Journaling happens synchronously inside Observe, which the ledger calls while
// it is still held, so journal order is commit order. Entries whose append
// failed stay pending and are retried with the next commit and on Close; the
// journal skips entries it already stored, so a retried batch is safe even when
// the failed attempt was in fact persisted.
// Publishing happens on the Run goroutine; when its queue is full the event is
// dropped from publishing only.
type EventDispatcher struct {
	journal    ports.JournalStore // optional
	publishers []ports.EventPublisher
	log        zerolog.Logger

	mu       sync.Mutex
	lastHash []byte
	pending  []domain.JournalEntry
	closed   bool

	queue chan domain.Event
	done  chan struct{}
}

// NewEventDispatcher creates a new EventDispatcher. queueSize <= 0 selects the default.
func NewEventDispatcher(journal ports.JournalStore, publishers []ports.EventPublisher, queueSize int, log zerolog.Logger) *EventDispatcher {
	if queueSize <= 0 {
		queueSize = defaultQueueSize
	}
	return &EventDispatcher{
		journal:    journal,
		publishers: publishers,
		log:        log,
		lastHash:   []byte{},
		queue:      make(chan domain.Event, queueSize),
		done:       make(chan struct{}),
	}
}

// Resume continues the hash chain after the entry whose hash is given.
// It must be called before the first Observe when the journal is not empty.
func (d *EventDispatcher) Resume(lastHash []byte) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lastHash = append([]byte{}, lastHash...)
}

// Observe implements ledger.Observer.
func (d *EventDispatcher) Observe(events []domain.Event) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.journal != nil {
		for _, ev := range events {
			entry := domain.NewJournalEntry(ev, d.lastHash)
			d.lastHash = entry.Hash
			d.pending = append(d.pending, entry)
		}
		d.flushLocked(context.Background())
	}

	if d.closed {
		return
	}
	for _, ev := range events {
		select {
		case d.queue <- ev:
		default:
			d.log.Error().Uint64("seq", ev.Sequence).Str("type", string(ev.Type)).Msg("event queue full, event not published")
		}
	}
}

func (d *EventDispatcher) flushLocked(ctx context.Context) {
	if len(d.pending) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, journalTimeout)
	defer cancel()

	if err := d.journal.Append(ctx, d.pending...); err != nil {
		d.log.Error().Err(err).
			Int("pending", len(d.pending)).
			Uint64("first_seq", d.pending[0].Sequence).
			Msg("journal append failed, will retry")
		return
	}
	d.pending = nil
}

// Pending returns the number of journal entries not yet persisted.
func (d *EventDispatcher) Pending() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Run publishes queued events until the dispatcher is closed or ctx ends.
func (d *EventDispatcher) Run(ctx context.Context) {
	defer close(d.done)
	for {
		select {
		case ev, ok := <-d.queue:
			if !ok {
				return
			}
			d.publish(ctx, ev)
		case <-ctx.Done():
			return
		}
	}
}

func (d *EventDispatcher) publish(ctx context.Context, ev domain.Event) {
	ctx, cancel := context.WithTimeout(ctx, publishTimeout)
	defer cancel()

	var g errgroup.Group
	for _, p := range d.publishers {
		g.Go(func() error {
			if err := p.Publish(ctx, ev); err != nil {
				d.log.Warn().Err(err).
					Str("publisher", p.Name()).
					Uint64("seq", ev.Sequence).
					Msg("failed to publish ledger event")
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Close stops accepting events for publishing, waits for the queue to drain
// and makes a last attempt at persisting pending journal entries.
func (d *EventDispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()

	var err error
	select {
	case <-d.done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.journal != nil {
		d.flushLocked(ctx)
		if n := len(d.pending); n > 0 {
			err = errors.Join(err, errors.New("journal entries left unpersisted"))
			d.log.Error().Int("pending", n).Msg("shutting down with unpersisted journal entries")
		}
	}
	return err
}
