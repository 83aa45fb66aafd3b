package cache

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/robfig/cron/v3"

	"github.com/resono-audio/resono/config"
)

// Janitor runs scheduled cache cleanup from a cron expression.
type Janitor struct {
	store  *Store
	cfg    config.CleanupConfig
	logger *slog.Logger
	cron   *cron.Cron
}

// NewJanitor creates a janitor bound to the store. Start does nothing when
// cleanup is disabled in the configuration.
func NewJanitor(store *Store, cfg config.CleanupConfig, logger *slog.Logger) *Janitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Janitor{
		store:  store,
		cfg:    cfg,
		logger: logger.With(slog.String("component", "cache-janitor")),
	}
}

// Start schedules the cleanup job. The cron expression uses six fields with
// seconds first.
func (j *Janitor) Start() error {
	if !j.cfg.Enabled {
		j.logger.Debug("cache cleanup disabled")
		return nil
	}

	j.cron = cron.New(cron.WithSeconds())
	_, err := j.cron.AddFunc(j.cfg.Cron, j.run)
	if err != nil {
		return fmt.Errorf("scheduling cache cleanup: %w", err)
	}
	j.cron.Start()
	j.logger.Info("cache cleanup scheduled", slog.String("cron", j.cfg.Cron))
	return nil
}

// Stop halts the schedule and waits for a running cleanup to finish.
func (j *Janitor) Stop() {
	if j.cron == nil {
		return
	}
	<-j.cron.Stop().Done()
	j.cron = nil
}

// RunNow executes one cleanup immediately, outside the schedule.
func (j *Janitor) RunNow(ctx context.Context) (int, error) {
	return j.store.Cleanup(ctx, j.policy())
}

func (j *Janitor) run() {
	deleted, err := j.store.Cleanup(context.Background(), j.policy())
	if err != nil {
		j.logger.Error("scheduled cache cleanup failed", slog.String("error", err.Error()))
		return
	}
	j.logger.Info("scheduled cache cleanup finished", slog.Int("deleted", deleted))
}

func (j *Janitor) policy() CleanupPolicy {
	return CleanupPolicy{
		MaxAge:         j.cfg.MaxAge,
		MinAccessCount: j.cfg.MinAccessCount,
		Tags:           j.cfg.Tags,
		ExcludeTags:    j.cfg.ExcludeTags,
		MaxEntries:     j.cfg.MaxEntries,
	}
}
