package processor

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/saltyorg/reqflow/internal/media"
	"github.com/saltyorg/reqflow/internal/queue"
)

// ReconcileReport describes what one reconciliation changed, per lane
type ReconcileReport struct {
	Lanes map[media.Kind]LaneReconcile `json:"lanes"`
}

// LaneReconcile holds the reconciliation counts of one lane
type LaneReconcile struct {
	StoreCount  int `json:"store_count"`
	Kept        int `json:"kept"`
	Dropped     int `json:"dropped"`
	Synthesized int `json:"synthesized"`
	Controls    int `json:"controls"`
	// Deferred counts store-queued items left out because the lane is at capacity
	Deferred int `json:"deferred"`
}

// Changed reports whether any lane content was corrected
func (r ReconcileReport) Changed() bool {
	for _, l := range r.Lanes {
		if l.Dropped > 0 || l.Synthesized > 0 {
			return true
		}
	}
	return false
}

// Reconcile makes lane contents match the store's queued set. The store is authoritative:
// lane items the store does not list as queued are dropped, store items missing from the lane
// are synthesized from stored fields and appended. The lane is refilled with control messages
// first, then kept items, then synthesized ones, up to its capacity. Items beyond the capacity
// stay flagged in the store and are restored by a later cycle once the lane drains.
// A store error leaves the lane untouched.
func (p *Processor) Reconcile(ctx context.Context) (ReconcileReport, error) {
	report := ReconcileReport{Lanes: make(map[media.Kind]LaneReconcile, len(media.Kinds))}
	for _, kind := range media.Kinds {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		lr, err := p.reconcileLane(kind)
		if err != nil {
			log.Error().Err(err).Str("lane", string(kind)).Msg("Reconciliation skipped")
			return report, err
		}
		report.Lanes[kind] = lr
	}

	if report.Changed() {
		log.Info().Interface("lanes", report.Lanes).Msg("Queue reconciled")
		p.broadcastEvent(BroadcastQueueUpdated, report)
	} else {
		log.Trace().Msg("Queue in sync with store")
	}
	return report, nil
}

func (p *Processor) reconcileLane(kind media.Kind) (LaneReconcile, error) {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	stored, err := p.db.ListQueuedMedia(kind)
	if err != nil {
		return LaneReconcile{}, fmt.Errorf("failed to read queued %s items: %w", kind, err)
	}

	queued := make(map[queue.Key]int, len(stored))
	for i, m := range stored {
		queued[queue.Key{CatalogID: m.CatalogID, Kind: m.Kind}] = i
	}

	lane := p.lane(kind)
	drained := lane.DrainAll()

	lr := LaneReconcile{StoreCount: len(stored)}
	seen := make(map[queue.Key]bool, len(drained))
	var controls, work []queue.Item
	for _, item := range drained {
		if item.IsControl() {
			lr.Controls++
			controls = append(controls, item)
			continue
		}
		if item.Work == nil {
			continue
		}
		key := item.Work.Key()
		if _, ok := queued[key]; !ok || seen[key] {
			lr.Dropped++
			log.Debug().Str("item", key.String()).Msg("Dropping lane item not queued in store")
			continue
		}
		seen[key] = true
		lr.Kept++
		work = append(work, item)
	}

	for _, m := range stored {
		key := queue.Key{CatalogID: m.CatalogID, Kind: m.Kind}
		if seen[key] {
			continue
		}
		if p.inflight != nil && *p.inflight == key {
			continue
		}
		seen[key] = true
		lr.Synthesized++
		log.Debug().Str("item", key.String()).Msg("Restoring store-queued item to lane")
		work = append(work, queue.NewWork(workItemFromMedia(m)))
	}

	kept := lr.Kept
	overflow := lane.Refill(append(controls, work...))
	for i := range overflow {
		// overflow is a suffix of controls followed by work
		if overflow[i].IsControl() {
			lr.Controls--
			continue
		}
		if len(work)-len(overflow)+i < kept {
			lr.Kept--
		} else {
			lr.Synthesized--
		}
		lr.Deferred++
	}
	if lr.Deferred > 0 {
		log.Warn().
			Str("lane", string(kind)).
			Int("max_size", lane.MaxSize()).
			Int("deferred", lr.Deferred).
			Msg("Lane at capacity, deferring store-queued items")
	}
	if _, err := p.db.RefreshQueueSize(kind); err != nil {
		log.Warn().Err(err).Str("lane", string(kind)).Msg("Failed to refresh queue size")
	}
	return lr, nil
}

// SyncReport compares lane contents with the store without changing either
type SyncReport struct {
	Valid            bool        `json:"valid"`
	StoreCount       int         `json:"store_count"`
	LaneCount        int         `json:"lane_count"`
	InStoreNotInLane []queue.Key `json:"in_store_not_in_lane"`
	InLaneNotInStore []queue.Key `json:"in_lane_not_in_store"`
	DiscrepancyCount int         `json:"discrepancy_count"`
	InFlight         *queue.Key  `json:"in_flight,omitempty"`
	ControlMessages  int         `json:"control_messages"`
	CheckedAt        time.Time   `json:"checked_at"`
}

// ValidateSync reports the differences between the lanes and the store's queued set
func (p *Processor) ValidateSync() (*SyncReport, error) {
	p.laneMu.Lock()
	defer p.laneMu.Unlock()

	report := &SyncReport{
		InStoreNotInLane: []queue.Key{},
		InLaneNotInStore: []queue.Key{},
		CheckedAt:        p.now(),
	}
	if p.inflight != nil {
		k := *p.inflight
		report.InFlight = &k
	}

	for _, kind := range media.Kinds {
		stored, err := p.db.ListQueuedMedia(kind)
		if err != nil {
			return nil, fmt.Errorf("failed to read queued %s items: %w", kind, err)
		}
		inStore := make(map[queue.Key]bool, len(stored))
		for _, m := range stored {
			inStore[queue.Key{CatalogID: m.CatalogID, Kind: m.Kind}] = true
		}
		report.StoreCount += len(stored)

		inLane := make(map[queue.Key]bool)
		for _, item := range p.lane(kind).Snapshot() {
			if item.IsControl() {
				report.ControlMessages++
				continue
			}
			if item.Work == nil {
				continue
			}
			key := item.Work.Key()
			report.LaneCount++
			inLane[key] = true
			if !inStore[key] {
				report.InLaneNotInStore = append(report.InLaneNotInStore, key)
			}
		}
		for _, m := range stored {
			key := queue.Key{CatalogID: m.CatalogID, Kind: m.Kind}
			if inLane[key] || (report.InFlight != nil && *report.InFlight == key) {
				continue
			}
			report.InStoreNotInLane = append(report.InStoreNotInLane, key)
		}
	}

	report.DiscrepancyCount = len(report.InStoreNotInLane) + len(report.InLaneNotInStore)
	report.Valid = report.DiscrepancyCount == 0
	return report, nil
}

// reconcileLoop runs Reconcile on the configured interval and purges stale cancellations
func (p *Processor) reconcileLoop() {
	interval := p.config().ReconcileInterval
	if interval <= 0 {
		interval = 2 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-p.ctx.Done():
			return
		case <-ticker.C:
			cfg := p.config()
			if cfg.ReconcileInterval > 0 && cfg.ReconcileInterval != interval {
				interval = cfg.ReconcileInterval
				ticker.Reset(interval)
			}
			if _, err := p.Reconcile(p.ctx); err != nil {
				continue
			}
			if n := p.registry.Purge(max(cfg.CancelRaceWindow, time.Minute) * 5); n > 0 {
				log.Debug().Int("purged", n).Msg("Purged stale cancellations")
			}
		}
	}
}
