package logs

import (
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/rubberduck-proxy/rubberduck/internal/store"
)

// Retention prunes request logs older than the configured horizon on a
// nightly schedule.
type Retention struct {
	store *store.Store
	log   *slog.Logger
	days  int
	cron  *cron.Cron
}

func NewRetention(st *store.Store, log *slog.Logger, days int) *Retention {
	return &Retention{
		store: st,
		log:   log,
		days:  days,
		cron:  cron.New(),
	}
}

// Start schedules the nightly prune. A retention of 0 days disables pruning.
func (r *Retention) Start() error {
	if r.days <= 0 {
		return nil
	}
	if _, err := r.cron.AddFunc("15 3 * * *", r.prune); err != nil {
		return err
	}
	r.cron.Start()
	return nil
}

func (r *Retention) Stop() {
	<-r.cron.Stop().Done()
}

// Prune runs one retention pass immediately. Exposed so startup can clear
// backlog without waiting for the schedule.
func (r *Retention) Prune() {
	r.prune()
}

func (r *Retention) prune() {
	cutoff := time.Now().AddDate(0, 0, -r.days)
	n, err := r.store.PruneLogsBefore(cutoff)
	if err != nil {
		r.log.Error("log_retention_failed", slog.String("error", err.Error()))
		return
	}
	if n > 0 {
		r.log.Info("log_retention_pruned",
			slog.Int64("removed", n),
			slog.Time("cutoff", cutoff),
		)
	}
}
