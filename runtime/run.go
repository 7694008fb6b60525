package runtime

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sovereignd/constitution"
	"sovereignd/exports"
	"sovereignd/heartbeat"
	"sovereignd/observability"
)

const shutdownGrace = 10 * time.Second

// Run starts the HTTP surface and the background loops, then blocks until
// the context ends or the vault dies. It returns ErrAgentDead on death so
// the process can exit non-zero; a context cancellation returns nil.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	errCh := make(chan error, 2)

	go func() {
		rt.logger.Info("http listening", "addr", rt.httpSrv.Addr)
		if err := rt.httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	go func() {
		errCh <- rt.scheduler.Run(ctx)
	}()

	go rt.housekeeping(ctx)

	var runErr error
	select {
	case <-ctx.Done():
	case <-rt.dying:
		runErr = ErrAgentDead
	case err := <-errCh:
		if errors.Is(err, heartbeat.ErrDead) {
			runErr = ErrAgentDead
		} else if err != nil && !errors.Is(err, context.Canceled) {
			runErr = err
		}
	}
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer shutdownCancel()
	if err := rt.httpSrv.Shutdown(shutdownCtx); err != nil {
		rt.logger.Warn("http shutdown dirty", "error", err)
	}
	if err := rt.vault.Save(rt.vaultPath); err != nil {
		rt.logger.Error("shutdown snapshot failed", "error", err)
		if runErr == nil {
			runErr = err
		}
	}
	rt.logger.Info("runtime stopped", "alive", rt.vault.Alive(), "cause", rt.vault.DeathCause())
	return runErr
}

// housekeeping runs the periodic chores the heartbeat does not own: vault
// snapshots, sales-order expiry, suggestion evaluation, and the daily
// transaction export.
func (rt *Runtime) housekeeping(ctx context.Context) {
	snapshot := time.NewTicker(snapshotInterval)
	defer snapshot.Stop()
	evaluate := time.NewTicker(evaluateInterval)
	defer evaluate.Stop()
	expire := time.NewTicker(expiryInterval)
	defer expire.Stop()

	lastExportDay := time.Now().UTC().Format("2006-01-02")
	for {
		select {
		case <-ctx.Done():
			return
		case <-snapshot.C:
			if err := rt.vault.Save(rt.vaultPath); err != nil {
				rt.logger.Error("vault snapshot failed", "error", err)
			}
			observability.Vault().SetBalance(rt.vault.Balance())

			if day := time.Now().UTC().Format("2006-01-02"); day != lastExportDay {
				rt.exportTransactions(lastExportDay)
				lastExportDay = day
			}
		case <-evaluate.C:
			if _, err := rt.evaluator.EvaluateAll(ctx); err != nil && !errors.Is(err, context.Canceled) {
				rt.logger.Warn("suggestion evaluation degraded", "error", err)
			}
		case <-expire.C:
			if expired := rt.orders.ExpireStale(); expired > 0 {
				rt.logger.Info("sales orders expired", "count", expired)
			}
			rt.settleOrders(ctx)
		}
	}
}

// settleOrders advances in-flight purchases: activation-delayed orders,
// paid orders awaiting delivery confirmation, and stale-order expiry. The
// activation delay is shorter than the heartbeat, so this runs on the
// housekeeping cadence instead.
func (rt *Runtime) settleOrders(ctx context.Context) {
	adapters := rt.allAdapters()
	rt.engine.SettlePending(ctx, adapters, constitution.OrderSettleLimit)
	rt.engine.RecheckPaid(ctx, adapters, constitution.OrderSettleLimit)
	if _, err := rt.engine.ExpireStale(ctx); err != nil {
		rt.logger.Warn("merchant order expiry failed", "error", err)
	}
}

// exportTransactions writes the closed day's ledger to the export
// directory. Export failures never disturb the ledger itself.
func (rt *Runtime) exportTransactions(day string) {
	at, err := time.Parse("2006-01-02", day)
	if err != nil {
		at = time.Now().UTC().AddDate(0, 0, -1)
	}
	res, err := exports.Transactions(rt.exportDir, at, rt.vault.Transactions(0))
	if err != nil {
		rt.logger.Error("transaction export failed", "day", day, "error", err)
		return
	}
	rt.logger.Info("transaction log exported",
		"day", day, "rows", res.Rows, "checksum", res.Checksum)
}
