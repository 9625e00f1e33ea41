package journal

import (
	"context"
	"log/slog"
	"sync"
)

// Worker persists entries in the background so reconciliation never waits
// on the audit trail.
type Worker struct {
	entryCh chan Entry
	store   Store
	logger  *slog.Logger
	wg      sync.WaitGroup
	ctx     context.Context
	cancel  context.CancelFunc
}

func NewWorker(store Store, bufferSize int, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Worker{
		entryCh: make(chan Entry, bufferSize),
		store:   store,
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
	}
}

func (w *Worker) Start() {
	w.wg.Go(func() {
		for {
			select {
			case <-w.ctx.Done():
				w.logger.Info("draining journal before shutdown", "remaining_entries", len(w.entryCh))
				for len(w.entryCh) > 0 {
					w.save(context.Background(), <-w.entryCh)
				}
				return
			case entry := <-w.entryCh:
				w.save(w.ctx, entry)
			}
		}
	})
}

func (w *Worker) save(ctx context.Context, entry Entry) {
	if err := w.store.Save(ctx, entry); err != nil {
		w.logger.Error("failed to save journal entry", "error", err, "kind", entry.Kind, "group_id", entry.GroupID)
	}
}

// Record queues an entry, dropping it when the buffer is full.
func (w *Worker) Record(entry Entry) {
	select {
	case w.entryCh <- entry:
	default:
		w.logger.Warn("journal buffer full, dropping entry", "kind", entry.Kind, "group_id", entry.GroupID)
	}
}

func (w *Worker) Shutdown() {
	w.cancel()
	w.wg.Wait()
}
