package service

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/rl1809/flash-sale-engine/internal/core/domain"
	"github.com/rl1809/flash-sale-engine/internal/metrics"
	"github.com/rl1809/flash-sale-engine/internal/port"
)

type ReconcilerConfig struct {
	Interval       time.Duration
	ReservationTTL time.Duration
	BatchSize      int
	Workers        int
}

// SweepReport counts what one sweep did.
type SweepReport struct {
	Settled    int
	Failed     int
	Released   int
	Confirmed  int
	Backfilled int
	Announced  int
	Incidents  int
}

// Reconciler is the periodic sweep that returns abandoned stock, finishes
// interrupted settlements, announces phase changes and audits the ledger.
type Reconciler struct {
	db         port.DatabaseRepository
	ledger     *Ledger
	settlement *SettlementService
	events     port.EventPublisher
	clock      Clock
	cfg        ReconcilerConfig
	log        zerolog.Logger

	mu       sync.Mutex
	suspects map[string]string
}

func NewReconciler(db port.DatabaseRepository, ledger *Ledger, settlement *SettlementService, events port.EventPublisher, clock Clock, cfg ReconcilerConfig, log zerolog.Logger) *Reconciler {
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	if cfg.BatchSize < 1 {
		cfg.BatchSize = 100
	}
	return &Reconciler{
		db:         db,
		ledger:     ledger,
		settlement: settlement,
		events:     events,
		clock:      clock,
		cfg:        cfg,
		log:        log.With().Str("component", "reconciler").Logger(),
		suspects:   make(map[string]string),
	}
}

// Run sweeps on every tick until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	r.log.Info().Dur("interval", r.cfg.Interval).Msg("reconciler started")
	for {
		select {
		case <-ctx.Done():
			r.log.Info().Msg("reconciler stopped")
			return nil
		case <-ticker.C:
			report := r.Sweep(ctx)
			r.log.Debug().Interface("report", report).Msg("sweep finished")
		}
	}
}

// Sweep runs every pass once. Each pass is independent; an error in one is
// logged and the next pass still runs.
func (r *Reconciler) Sweep(ctx context.Context) SweepReport {
	var report SweepReport
	now := r.clock.Now()

	r.sweepStalePurchases(ctx, now, &report)
	r.sweepExpiredReservations(ctx, now, &report)
	r.backfillAggregates(ctx, &report)

	sales, err := r.db.ListAnnounceable(ctx)
	if err != nil {
		r.log.Error().Err(err).Msg("list sales for sweep")
		return report
	}
	for _, sale := range sales {
		if ctx.Err() != nil {
			return report
		}
		r.announce(ctx, sale, now, &report)
		r.audit(ctx, sale.ID, &report)
		r.resync(ctx, sale.ID)
	}
	return report
}

func (r *Reconciler) sweepStalePurchases(ctx context.Context, now time.Time, report *SweepReport) {
	stale, err := r.db.ListStalePending(ctx, now.Add(-r.cfg.ReservationTTL), r.cfg.BatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("list stale purchases")
		return
	}

	var settled, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, p := range stale {
		g.Go(func() error {
			outcome, err := r.settlement.Reconcile(gctx, p)
			if err != nil {
				r.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("reconcile stale purchase")
				return nil
			}
			switch outcome {
			case OutcomeSettled:
				settled.Add(1)
			case OutcomeFailed:
				failed.Add(1)
			}
			return nil
		})
	}
	_ = g.Wait()

	report.Settled += int(settled.Load())
	report.Failed += int(failed.Load())
}

func (r *Reconciler) sweepExpiredReservations(ctx context.Context, now time.Time, report *SweepReport) {
	expired, err := r.db.ListExpiredHeld(ctx, now, r.cfg.BatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("list expired reservations")
		return
	}

	for _, res := range expired {
		p, err := r.db.GetPurchase(ctx, res.PurchaseID)
		if err != nil {
			r.log.Warn().Err(err).Str("reservation_id", res.ID).Msg("load purchase for reservation")
			continue
		}

		switch {
		case p == nil || p.Status == domain.PaymentFailed || p.Status == domain.PaymentRefunded:
			released, err := r.ledger.Release(ctx, res.ID, res.SaleID, res.Quantity, ReleaseExpired)
			if err != nil {
				r.log.Warn().Err(err).Str("reservation_id", res.ID).Msg("release expired reservation")
				continue
			}
			if released {
				report.Released++
			}
		case p.Status == domain.PaymentPaid:
			if err := r.settlement.FinishConfirm(ctx, *p); err != nil {
				r.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("finish interrupted settlement")
				continue
			}
			report.Confirmed++
		}
		// Pending purchases are driven by the stale-purchase pass.
	}
}

// backfillAggregates counts settled purchases that RecordBuyer missed.
func (r *Reconciler) backfillAggregates(ctx context.Context, report *SweepReport) {
	missed, err := r.db.ListUnrecordedPaid(ctx, r.cfg.BatchSize)
	if err != nil {
		r.log.Error().Err(err).Msg("list unrecorded purchases")
		return
	}
	for _, p := range missed {
		if err := r.settlement.BackfillBuyer(ctx, p); err != nil {
			r.log.Warn().Err(err).Str("purchase_id", p.ID).Msg("backfill buyer aggregates")
			continue
		}
		report.Backfilled++
	}
}

func (r *Reconciler) announce(ctx context.Context, sale domain.Sale, now time.Time, report *SweepReport) {
	phase := sale.PhaseAt(now)
	if phase == sale.AnnouncedPhase || phase == domain.PhaseScheduled {
		return
	}
	// A full sale latches only once no hold can still give units back.
	if phase == domain.PhaseSoldOut && !sale.SoldOutLatched {
		latched, err := r.db.LatchSoldOut(ctx, sale.ID)
		if err != nil {
			r.log.Warn().Err(err).Str("sale_id", sale.ID).Msg("latch sold out")
			return
		}
		if !latched {
			return
		}
	}

	ok, err := r.db.AnnouncePhase(ctx, sale.ID, sale.AnnouncedPhase, phase)
	if err != nil {
		r.log.Warn().Err(err).Str("sale_id", sale.ID).Msg("announce phase")
		return
	}
	if !ok {
		return
	}
	report.Announced++

	typ, has := domain.PhaseEvent(phase)
	if !has {
		return
	}
	r.events.Publish(ctx, domain.Event{
		Type:   typ,
		SaleID: sale.ID,
		Payload: map[string]any{
			"phase":     string(phase),
			"remaining": sale.Remaining(),
			"end_time":  sale.EndTime,
		},
		OccurredAt: now,
	})
}

// audit compares the sale counter with reservation and purchase totals. A
// mismatch is reported only when two consecutive sweeps see the same numbers,
// so in-flight checkouts do not raise false alarms. Nothing is corrected.
func (r *Reconciler) audit(ctx context.Context, saleID string, report *SweepReport) {
	sale, err := r.db.GetSale(ctx, saleID)
	if err != nil || sale == nil {
		return
	}
	held, confirmed, err := r.db.ReservationTotals(ctx, saleID)
	if err != nil {
		r.log.Warn().Err(err).Str("sale_id", saleID).Msg("reservation totals")
		return
	}
	paid, err := r.db.PaidQuantity(ctx, saleID)
	if err != nil {
		r.log.Warn().Err(err).Str("sale_id", saleID).Msg("paid quantity")
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if sale.SoldQuantity == held+confirmed && paid == confirmed {
		delete(r.suspects, saleID)
		return
	}

	signature := fmt.Sprintf("sold=%d held=%d confirmed=%d paid=%d", sale.SoldQuantity, held, confirmed, paid)
	if r.suspects[saleID] != signature {
		r.suspects[saleID] = signature
		return
	}

	report.Incidents++
	metrics.IntegrityIncidents.Inc()
	r.log.Error().
		Str("incident", "integrity").
		Str("sale_id", saleID).
		Int("sold_quantity", sale.SoldQuantity).
		Int("held", held).
		Int("confirmed", confirmed).
		Int("paid", paid).
		Msg("ledger and purchase records diverge, manual correction required")
}

func (r *Reconciler) resync(ctx context.Context, saleID string) {
	sale, err := r.db.GetSale(ctx, saleID)
	if err != nil || sale == nil {
		return
	}
	if err := r.ledger.Resync(ctx, *sale); err != nil {
		r.log.Warn().Err(err).Str("sale_id", saleID).Msg("stock mirror resync")
	}
}
