package services

import (
	"context"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sourcegraph/conc/pool"

	"chorus/presence-service/utils"
)

type ReconcilerConfig struct {
	Interval        time.Duration
	Jitter          time.Duration
	OfflineLockTTL  time.Duration
	SafetyMargin    time.Duration
	Concurrency     int
	DurablePageSize int
}

// ReconcileReport counts the repairs made by one run.
type ReconcileReport struct {
	StaleMarkers   int
	StaleOnline    int
	DurableOffline int
	Readded        int
}

// Reconciler periodically repairs drift left behind by crashed nodes and missed rechecks. Every
// repair is idempotent, so several nodes may run it at once.
type Reconciler struct {
	store    *Store
	presence *PresenceService
	repo     PresenceRepository
	metrics  *Metrics
	logger   *utils.Logger
	cfg      ReconcilerConfig

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewReconciler(store *Store, presence *PresenceService, repo PresenceRepository, metrics *Metrics, cfg ReconcilerConfig, logger *utils.Logger) *Reconciler {
	if cfg.Concurrency < 1 {
		cfg.Concurrency = 1
	}
	if cfg.DurablePageSize <= 0 {
		cfg.DurablePageSize = 1000
	}
	return &Reconciler{
		store:    store,
		presence: presence,
		repo:     repo,
		metrics:  metrics,
		cfg:      cfg,
		logger:   logger.With("component", "reconciler"),
	}
}

// markerTTL is how long a reconcile debounce marker lives.
func (r *Reconciler) markerTTL() time.Duration {
	return r.cfg.Interval
}

func (r *Reconciler) Start(ctx context.Context) {
	r.ctx, r.cancel = context.WithCancel(ctx)

	r.wg.Add(1)
	go r.loop()

	r.logger.Info("Started reconciliation", "interval", r.cfg.Interval, "jitter", r.cfg.Jitter)
}

func (r *Reconciler) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.logger.Info("Reconciliation stopped")
}

func (r *Reconciler) loop() {
	defer r.wg.Done()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			// Spread nodes apart so they do not sweep in lockstep.
			if r.cfg.Jitter > 0 {
				select {
				case <-r.ctx.Done():
					return
				case <-time.After(rand.N(r.cfg.Jitter)):
				}
			}
			r.RunOnce(r.ctx)
		}
	}
}

// RunOnce performs a full sweep: stale markers first, then online-set entries with no live session,
// then durable records still flagged online.
func (r *Reconciler) RunOnce(ctx context.Context) ReconcileReport {
	start := time.Now()
	defer func() {
		r.metrics.ReconcileDuration.Observe(time.Since(start).Seconds())
	}()

	var report ReconcileReport
	report.StaleMarkers = r.sweepMarkers(ctx)

	members, err := r.store.OnlineMembers(ctx)
	if err != nil {
		r.logger.Error("Failed to read online set", "error", err)
		return report
	}

	report.StaleOnline = r.sweepOnlineSet(ctx, members)
	report.DurableOffline, report.Readded = r.sweepDurable(ctx, members)

	if report != (ReconcileReport{}) {
		r.logger.Info("Reconciliation repaired drift",
			"stale_markers", report.StaleMarkers,
			"stale_online", report.StaleOnline,
			"durable_offline", report.DurableOffline,
			"readded", report.Readded,
		)
	}
	return report
}

// sweepMarkers deletes lock and debounce markers that have no TTL or have outlived their intended
// TTL by more than the safety margin.
func (r *Reconciler) sweepMarkers(ctx context.Context) int {
	removed := 0
	for prefix, ttl := range map[string]time.Duration{
		lockKeyPrefix:     r.cfg.OfflineLockTTL,
		debounceKeyPrefix: r.markerTTL(),
	} {
		keys, err := r.store.ScanKeys(ctx, prefix+"*")
		if err != nil {
			r.logger.Warn("Failed to scan markers", "prefix", prefix, "error", err)
			continue
		}
		infos, err := r.store.InspectMarkers(ctx, keys)
		if err != nil {
			r.logger.Warn("Failed to inspect markers", "prefix", prefix, "error", err)
			continue
		}

		var stale []string
		for _, info := range infos {
			if !info.Exists {
				continue
			}
			if !info.HasTTL || info.Age > ttl+r.cfg.SafetyMargin {
				stale = append(stale, info.Key)
			}
		}
		if len(stale) == 0 {
			continue
		}
		if err := r.store.Delete(ctx, stale...); err != nil {
			r.logger.Warn("Failed to delete stale markers", "prefix", prefix, "error", err)
			continue
		}
		removed += len(stale)
		r.metrics.ReconcileRepairs.WithLabelValues("stale_marker").Add(float64(len(stale)))
	}
	return removed
}

// sweepOnlineSet declares offline every member with no heartbeat anywhere. An open connection with
// no heartbeat does not count. A debounce marker keeps nodes from repairing the same user twice in
// one interval.
func (r *Reconciler) sweepOnlineSet(ctx context.Context, members []string) int {
	var repaired atomic.Int64
	p := pool.New().WithContext(ctx).WithMaxGoroutines(r.cfg.Concurrency)

	for _, userID := range members {
		p.Go(func(ctx context.Context) error {
			live, err := r.store.HasLiveSession(ctx, userID)
			if err != nil {
				r.logger.Warn("Failed to check sessions", "user_id", userID, "error", err)
				return nil
			}
			if live {
				return nil
			}

			pending, err := r.offlinePending(ctx, userID)
			if err != nil || pending {
				return nil
			}

			_, acquired, err := r.store.AcquireLock(ctx, reconcileMarkerKey(userID), r.markerTTL())
			if err != nil || !acquired {
				return nil
			}

			if r.presence.completeOffline(ctx, userID, "reconcile") == offlineRemoved {
				repaired.Add(1)
				r.metrics.ReconcileRepairs.WithLabelValues("stale_online").Inc()
			}
			return nil
		})
	}

	_ = p.Wait()
	return int(repaired.Load())
}

// offlinePending reports whether a debounced offline check already owns the user.
func (r *Reconciler) offlinePending(ctx context.Context, userID string) (bool, error) {
	infos, err := r.store.InspectMarkers(ctx, []string{offlineLockKey(userID)})
	if err != nil {
		return false, err
	}
	return len(infos) == 1 && infos[0].Exists, nil
}

// sweepDurable fixes durable records flagged online for users missing from the online set. Users
// with a live session are put back in the set; the rest are marked offline. Records are read page
// by page until exhausted.
func (r *Reconciler) sweepDurable(ctx context.Context, members []string) (offline, readded int) {
	inSet := make(map[string]struct{}, len(members))
	for _, id := range members {
		inSet[id] = struct{}{}
	}

	after := ""
	for {
		page, err := r.repo.ListOnline(ctx, after, r.cfg.DurablePageSize)
		if err != nil {
			r.logger.Warn("Failed to list durable online users", "after", after, "error", err)
			return offline, readded
		}

		for _, userID := range page {
			if _, ok := inSet[userID]; ok {
				continue
			}
			switch r.repairDurable(ctx, userID) {
			case "offline":
				offline++
			case "readded":
				readded++
			}
		}

		if len(page) < r.cfg.DurablePageSize || ctx.Err() != nil {
			return offline, readded
		}
		after = page[len(page)-1]
	}
}

func (r *Reconciler) repairDurable(ctx context.Context, userID string) string {
	live, err := r.store.HasLiveSession(ctx, userID)
	if err != nil {
		r.logger.Warn("Failed to check sessions", "user_id", userID, "error", err)
		return ""
	}
	if live {
		if _, err := r.store.MarkOnline(ctx, userID, r.presence.cfg.HeartbeatTTL); err != nil {
			r.logger.Warn("Failed to re-add user to online set", "user_id", userID, "error", err)
			return ""
		}
		r.metrics.ReconcileRepairs.WithLabelValues("readded").Inc()
		return "readded"
	}

	_, acquired, err := r.store.AcquireLock(ctx, reconcileMarkerKey(userID), r.markerTTL())
	if err != nil || !acquired {
		return ""
	}
	r.presence.onOffline(ctx, userID, "reconcile")
	r.metrics.ReconcileRepairs.WithLabelValues("durable_offline").Inc()
	return "offline"
}
