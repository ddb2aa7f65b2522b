package qtx

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/qbixus/qtx-tm/recoverylog"
)

// ErrLastAgentOutcome - причина эвристического исхода транзакции, восстановленной после аварии: участники XA
// зафиксированы, а зафиксирован ли последний агент, неизвестно.
var ErrLastAgentOutcome = fmt.Errorf("#TX_LAST_AGENT_OUTCOME: %w", ErrTxHeuristic)

// InitRecovery восстанавливает транзакции, прерванные аварией. Вызывается однажды при старте, обычно из Start.
//
// Журнал просматривается синхронно, после чего Begin начинает принимать транзакции. Затем для каждой незавершенной
// записи координатор связывается с участниками через зарегистрированные [ResourceConnector] и доводит фазу фиксации
// до конца: фиксирует, если решение об отмене не записано, иначе отменяет. Связь повторяется с удвоением паузы,
// после Config.RecoveryAttempts неудач запись остается в журнале, а администратор получает оповещение. Записи с
// эвристическим исходом не проводятся, о них только оповещается. Исход последнего агента после аварии неизвестен:
// такая транзакция тоже оставляется на административный разбор.
//
// При delegated == true записи разрешаются в фоне, иначе - до возврата из InitRecovery.
//
// Возвращает ошибку, если журнал не удалось прочитать. В этом случае вызов можно повторить.
func (c *Coordinator) InitRecovery(ctx context.Context, delegated bool) error {
	c.recoveryMu.Lock()
	defer c.recoveryMu.Unlock()

	if c.scanDone {
		return nil
	}
	c.started.Store(true)

	ctx, span := c.tracer.Start(ctx, "qtx.InitRecovery", trace.WithAttributes(attribute.Bool("qtx.delegated", delegated)))
	defer span.End()

	recs, err := c.log.Pending(ctx)
	if err != nil {
		c.started.Store(false)
		span.RecordError(err)
		return fmt.Errorf("#TX_RECOVERY_SCAN: %w", err)
	}
	for _, rec := range recs {
		c.addInDoubt(ctx, rec)
	}
	c.scanDone = true
	close(c.scanned)
	c.logger.Info("recovery scan completed", zap.Int("pending", len(recs)), zap.Bool("delegated", delegated))

	if len(recs) == 0 {
		return nil
	}
	if !delegated {
		c.resolveAll(ctx, recs)
		return nil
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.bgWg.Add(1)
	c.mu.Unlock()
	go func() {
		defer c.bgWg.Done()
		c.resolveAll(c.bgCtx, recs)
	}()
	return nil
}

func (c *Coordinator) resolveAll(ctx context.Context, recs []*recoverylog.Record) {
	for _, rec := range recs {
		if ctx.Err() != nil {
			return
		}
		c.resolve(ctx, rec)
	}
}

func (c *Coordinator) resolve(ctx context.Context, rec *recoverylog.Record) {
	logger := c.logger.With(zap.String("tx", rec.TxID), zap.Stringer("outcome", rec.Outcome))

	if rec.Outcome == recoverylog.OutcomeHeuristic {
		c.reportUnresolved(ctx, rec, ErrTxHeuristic)
		return
	}

	commit := rec.Outcome == recoverylog.OutcomePrepared
	var (
		failures   []ResourceFailure
		lastAgents []recoverylog.Participant
	)
	for _, p := range rec.Participants {
		if p.LastAgent {
			// Исход SPC последнего агента известен только ему самому
			if commit {
				lastAgents = append(lastAgents, p)
			}
			continue
		}
		if err := c.redriveWithRetry(ctx, logger, p, commit); err != nil {
			failures = append(failures, ResourceFailure{Resource: ResourceID(p.ResourceID), Cause: err})
		}
	}
	if ctx.Err() != nil {
		return
	}

	if len(failures) > 0 {
		errs := make([]error, 0, len(failures))
		for _, f := range failures {
			errs = append(errs, fmt.Errorf("%s: %w", f.Resource, f.Cause))
		}
		c.reportUnresolved(ctx, rec, fmt.Errorf("#TX_RECOVERY_FAILED: %w", errors.Join(errs...)))
		return
	}

	if len(lastAgents) > 0 {
		c.reportLastAgents(ctx, logger, rec.TxID, lastAgents)
		return
	}

	done := &recoverylog.Record{TxID: rec.TxID, Outcome: recoverylog.OutcomeCompleted, Timestamp: time.Now()}
	if err := c.finalize(ctx, done); err != nil {
		return
	}
	logger.Info("in-doubt transaction resolved", zap.Bool("committed", commit))
}

// reportLastAgents оставляет транзакцию, участники XA которой зафиксированы, на административный разбор: авария могла
// случиться до SPC последнего агента. Запись заменяется эвристической только с последними агентами, так что
// следующий запуск участников XA повторно не проводит.
func (c *Coordinator) reportLastAgents(
	ctx context.Context, logger *zap.Logger, txID string, lastAgents []recoverylog.Participant,
) {
	herr := &HeuristicError{}
	if id, err := uuid.Parse(txID); err == nil {
		herr.TxID = id
	}
	for _, p := range lastAgents {
		herr.Failures = append(herr.Failures, ResourceFailure{Resource: ResourceID(p.ResourceID), Cause: ErrLastAgentOutcome})
	}
	logger.Warn("last agent outcome is unknown", zap.Int("last_agents", len(lastAgents)))
	c.reportHeuristic(ctx, &recoverylog.Record{
		TxID:         txID,
		Outcome:      recoverylog.OutcomeHeuristic,
		Participants: lastAgents,
		Timestamp:    time.Now(),
	}, herr)
}

func (c *Coordinator) redriveWithRetry(ctx context.Context, logger *zap.Logger, p recoverylog.Participant, commit bool) error {
	xid, err := ParseXid(p.BranchID)
	if err != nil {
		return err
	}

	backoff := c.cfg.RecoveryBackoff
	for attempt := 1; ; attempt++ {
		err = c.redrive(ctx, ResourceID(p.ResourceID), xid, commit)
		if err == nil {
			return nil
		}
		if attempt >= c.cfg.RecoveryAttempts || ctx.Err() != nil {
			return err
		}
		logger.Warn("recovery attempt failed",
			zap.String("resource", p.ResourceID),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", backoff),
			zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = c.backOff(backoff)
	}
}

// backOff удваивает паузу до восьмикратной Config.RecoveryBackoff.
func (c *Coordinator) backOff(backoff time.Duration) time.Duration {
	if backoff >= c.cfg.RecoveryBackoff<<3 {
		return backoff
	}
	return backoff << 1
}

func (c *Coordinator) redrive(ctx context.Context, id ResourceID, xid Xid, commit bool) error {
	c.mu.Lock()
	connector, ok := c.connectors[id]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("#TX_NO_CONNECTOR: %s", id)
	}

	if err := c.limiter.Wait(ctx); err != nil {
		return err
	}
	res, err := connector.Reconnect(ctx, id, xid)
	if err != nil {
		return fmt.Errorf("#TX_RECONNECT: %s: %w", id, err)
	}
	if commit {
		return res.Commit(ctx, false)
	}
	return res.Rollback(ctx)
}

// ---

// InDoubt возвращает идентификаторы транзакций, ожидающих разрешения: прерванных аварией и еще не проведенных, а
// также с эвристическим исходом.
func (c *Coordinator) InDoubt() []string {
	c.mu.Lock()
	defer c.mu.Unlock()

	ids := make([]string, 0, len(c.inDoubt))
	for id := range c.inDoubt {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Forget административно завершает транзакцию, ожидающую разрешения: в журнал дописывается запись о завершении.
//
// Возвращает ErrTxError если такой транзакции нет среди ожидающих разрешения.
func (c *Coordinator) Forget(ctx context.Context, txID string) error {
	c.mu.Lock()
	_, ok := c.inDoubt[txID]
	c.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: tx %s is not in doubt", ErrTxError, txID)
	}

	rec := &recoverylog.Record{TxID: txID, Outcome: recoverylog.OutcomeCompleted, Timestamp: time.Now()}
	if err := c.finalize(ctx, rec); err != nil {
		return fmt.Errorf("#TX_RECOVERY_LOG: %w", err)
	}
	c.logger.Info("in-doubt transaction forgotten", zap.String("tx", txID))
	return nil
}
