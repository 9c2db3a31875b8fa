package engine

import (
	"time"

	"github.com/docshard/shardkernel/internal/config"
)

// startBackgroundTasks launches the engine's periodic maintenance loops as
// goroutines that submit their actual work through the ants pool, bounding
// how much concurrent background work can run alongside request-path
// writers.
func (e *Engine) startBackgroundTasks() {
	e.bgWG.Add(3)
	go e.runTicker(time.Duration(e.cfg.Engine.RefreshIntervalMS)*time.Millisecond, e.backgroundRefresh)
	go e.runTicker(time.Duration(e.cfg.Engine.VersionMapGCMS)*time.Millisecond, e.backgroundPruneTombstones)
	go e.runTicker(time.Duration(e.cfg.Translog.SyncIntervalMS)*time.Millisecond, e.backgroundSyncTranslog)
}

func (e *Engine) runTicker(interval time.Duration, fn func()) {
	defer e.bgWG.Done()
	if interval <= 0 {
		return
	}
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-e.stopBackground:
			return
		case <-t.C:
			fn()
		}
	}
}

func (e *Engine) backgroundRefresh() {
	e.submit(func() {
		if err := e.Refresh(); err != nil {
			e.logger.Debug("background refresh skipped: %v", err)
		}
	})
}

func (e *Engine) backgroundPruneTombstones() {
	e.submit(func() {
		pruned := e.versions.PruneTombstones(time.Now().UnixMilli(), e.seq.GlobalCheckpoint())
		if pruned > 0 {
			e.logger.Debug("pruned %d expired tombstones", pruned)
		}
	})
}

// backgroundSyncTranslog fsyncs outstanding async-durability writes. A
// transient I/O error is retried with backoff; exhausting retries means
// acknowledged writes may never become durable, which is fatal for the
// engine rather than something to log and limp past.
func (e *Engine) backgroundSyncTranslog() {
	if e.cfg.Translog.Durability != config.DurabilityAsync {
		return
	}
	e.submit(func() {
		err := e.retries.Retry(e.translog.Sync, e.classifier)
		if err != nil {
			e.logger.Error("background translog sync failed after retries: %v", err)
			e.fail(err)
		}
	})
}

// submit runs fn through the engine's bounded background pool; if the pool
// is saturated or already released, it falls back to running fn inline
// rather than dropping the tick, since these are low-frequency periodic
// tasks, not a hot path.
func (e *Engine) submit(fn func()) {
	if err := e.pool.Submit(fn); err != nil {
		fn()
	}
}
