// Package retention purges old messages on a cron schedule. It trims by
// age and by per-conversation count, advancing the catch-up floor as it
// goes. The floor lives outside the conversation meta row, so the purge
// never competes with the conversation's actor for writes.
package retention

import (
	"context"
	"time"

	"github.com/adhocore/gronx"

	"talkd/pkg/config"
	"talkd/pkg/logger"
	"talkd/pkg/metrics"
	"talkd/pkg/store"
)

// Runner executes scheduled purge passes.
type Runner struct {
	cfg config.RetentionConfig
}

func New(cfg config.RetentionConfig) *Runner {
	return &Runner{cfg: cfg}
}

// Start launches the scheduler goroutine. The cron expression must be
// valid; callers are expected to have checked configuration beforehand.
func (r *Runner) Start(ctx context.Context) {
	if !gronx.IsValid(r.cfg.Cron) {
		logger.Error("retention_invalid_cron", "cron", r.cfg.Cron)
		return
	}
	logger.Info("retention_started", "cron", r.cfg.Cron, "dry_run", r.cfg.DryRun)
	go r.schedule(ctx)
}

// schedule sleeps until each next cron tick and runs one purge pass.
func (r *Runner) schedule(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		default:
		}

		now := time.Now().UTC()
		next, err := gronx.NextTickAfter(r.cfg.Cron, now, false)
		if err != nil {
			logger.Error("retention_nexttick_failed", "cron", r.cfg.Cron, "error", err)
			select {
			case <-time.After(30 * time.Second):
			case <-ctx.Done():
				return
			}
			continue
		}

		select {
		case <-time.After(time.Until(next)):
			if err := r.RunOnce(ctx); err != nil {
				logger.Error("retention_run_error", "error", err)
			}
		case <-ctx.Done():
			logger.Info("retention_scheduler_stopping")
			return
		}
	}
}

// RunOnce purges every conversation according to the configured age and
// count policies.
func (r *Runner) RunOnce(ctx context.Context) error {
	start := time.Now()
	ids, err := store.ListConversationIDs()
	if err != nil {
		return err
	}
	var total int
	for _, id := range ids {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		n, err := r.purgeConversation(id)
		if err != nil {
			logger.Error("retention_conversation_failed", "conversation", id, "error", err)
			continue
		}
		total += n
		if n > 0 && r.cfg.BatchSleepMs > 0 {
			time.Sleep(time.Duration(r.cfg.BatchSleepMs) * time.Millisecond)
		}
	}
	logger.Info("retention_run_complete",
		"conversations", len(ids),
		"purged", total,
		"dry_run", r.cfg.DryRun,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return nil
}

// purgeConversation computes the cutoff seq for one conversation from the
// age and count policies, then deletes everything below it.
func (r *Runner) purgeConversation(convID string) (int, error) {
	c, err := store.GetConversation(convID)
	if err != nil {
		return 0, err
	}

	var cutoff uint64

	if maxAge := time.Duration(r.cfg.MaxAge); maxAge > 0 {
		cutoffTS := time.Now().Add(-maxAge).UnixMilli()
		seq, err := store.CutoffSeqForAge(convID, cutoffTS)
		if err != nil {
			return 0, err
		}
		if seq > cutoff {
			cutoff = seq
		}
	}

	if max := r.cfg.MaxPerConversation; max > 0 && c.LatestSeq > uint64(max) {
		// keep the newest max messages: everything below this seq goes
		seq := c.LatestSeq - uint64(max) + 1
		if seq > cutoff {
			cutoff = seq
		}
	}

	if cutoff == 0 {
		return 0, nil
	}
	batch := r.cfg.BatchSize
	if batch <= 0 {
		batch = 500
	}
	n, err := store.PurgeMessages(convID, cutoff, batch, r.cfg.DryRun)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		if !r.cfg.DryRun {
			metrics.RetentionPurged.Add(float64(n))
		}
		logger.Info("retention_purged", "conversation", convID, "count", n, "floor", cutoff, "dry_run", r.cfg.DryRun)
	}
	return n, nil
}
