package repoll

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"bmarc/ms_facturacion_sri/internal/core/taxdoc"
)

// Submitter accepts tasks for immediate execution.
type Submitter interface {
	Submit(task taxdoc.RepollTask) error
}

// Sweeper periodically claims documents whose re-poll is overdue, which
// covers tasks lost to a restart, and hands them to the pool.
type Sweeper struct {
	docs     taxdoc.DocumentRepository
	pool     Submitter
	interval time.Duration
	batch    int
	log      *slog.Logger
	now      func() time.Time
}

func NewSweeper(docs taxdoc.DocumentRepository, pool Submitter, interval time.Duration, batch int, log *slog.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Minute
	}
	if batch <= 0 {
		batch = 50
	}
	if log == nil {
		log = slog.Default()
	}
	return &Sweeper{
		docs:     docs,
		pool:     pool,
		interval: interval,
		batch:    batch,
		log:      log.With("component", "repoll_sweeper"),
		now:      time.Now,
	}
}

// Run sweeps immediately and then on every tick until ctx is done.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		if _, err := s.SweepOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
			s.log.Error("Sweep failed", "error", err)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// SweepOnce claims one batch and returns how many tasks were queued.
func (s *Sweeper) SweepOnce(ctx context.Context) (int, error) {
	docs, err := s.docs.ClaimDueForRepoll(ctx, s.now(), s.batch)
	if err != nil {
		return 0, err
	}

	queued := 0
	for _, doc := range docs {
		task := taxdoc.RepollTask{DocumentID: doc.ID, DocType: doc.DocType, Attempt: doc.RepollAttempts + 1}
		if err := s.pool.Submit(task); err != nil {
			// next_poll_at was pushed forward by the claim; the document comes back later
			s.log.Warn("Could not queue overdue document", "document_id", doc.ID, "error", err)
			if errors.Is(err, ErrPoolStopped) {
				return queued, err
			}
			continue
		}
		queued++
	}

	if queued > 0 {
		s.log.Info("Queued overdue re-polls", "count", queued, "claimed", len(docs))
	}
	return queued, nil
}
