package qtx

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/qbixus/qtx-tm/internal"
	"github.com/qbixus/qtx-tm/recoverylog"
)

// Commit фиксирует изменения в транзакции.
// Фиксация изменений выполняется поэтапно: 1) синхронизации beforeCompletion; 2) фаза подготовки 2PC; 3) запись о
// подготовке в журнал восстановления; 4) фиксация SPC последнего агента; 5) фаза фиксации 2PC; 6) синхронизации
// afterCompletion. Без участников фиксация завершается сразу, с единственным участником - по SPC без записи в журнал.
// Блокируется на все время выполнения фиксации изменений. После записи о подготовке отмена ctx фиксацию не прерывает.
// Может использоваться конкурентно. Допускает вложенное использование Rollback и SetRollbackOnly на фазе
// подготовки 2PC.
//
// Возвращает nil если изменения зафиксированы, ошибку, соответствующую ErrTxAborted, если изменения отменены или были
// отменены ранее (ErrTxTimedOut после тайм-аута), *HeuristicError если часть участников не исполнила решение о
// фиксации, и ErrTxError если изменения были зафиксированы ранее.
func (tx *Transaction) Commit(ctx context.Context) error {
	tx.ctlMu.Lock()
	defer tx.ctlMu.Unlock()

	// Проверяем текущее состояние
	switch tx.Status() {
	case StatusCommitted:
		return fmt.Errorf("%w: %s", ErrTxError, tx)
	case StatusRolledBack:
		return abortedBy(tx.RollbackCause())
	}
	// ... т.к. tx.ctlMu исключает конкурирующие вызовы Commit и Rollback
	internal.Assert(tx.Status().acceptsRegistrations(), "#status", tx.Status())

	ctx, span := tx.coord.tracer.Start(ctx, "qtx.Commit",
		trace.WithAttributes(attribute.String("qtx.tx", tx.id.String())))
	defer span.End()

	start := time.Now()
	err := tx.commit(ctx)
	tx.coord.metrics.commitDuration.Record(ctx, time.Since(start).Seconds())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return err
}

func (tx *Transaction) commit(ctx context.Context) error {
	// Шаг 1: синхронизации beforeCompletion

	if tx.Status() == StatusActive {
		tx.beforeCompletion(ctx)
	}

	// Формируем рабочий набор данных. После смены состояния новые присоединения не принимаются
	tx.mu.Lock()
	var (
		participants = append([]*ResourceHandle(nil), tx.participants...)
		lastAgent    = tx.lastAgent
		next         = StatusPreparing
	)
	if len(participants) <= 1 {
		next = StatusCommitting
	}
	if !tx.transition(StatusActive, next) {
		tx.mu.Unlock()
		// Транзакция помечена для отмены: вызывающим, синхронизацией или тайм-аутом
		tx.rollback(ctx)
		return abortedBy(tx.RollbackCause())
	}
	tx.mu.Unlock()

	// ... и возможность быстрого завершения
	switch len(participants) {
	case 0:
		tx.finish(ctx, StatusCommitted)
		return nil
	case 1:
		return tx.commitOnePhase(ctx, participants[0])
	}
	return tx.commitTwoPhase(ctx, participants, lastAgent)
}

// commitOnePhase фиксирует единственного участника по SPC. Состояние - StatusCommitting.
func (tx *Transaction) commitOnePhase(ctx context.Context, h *ResourceHandle) error {
	resp := invoke(context.WithoutCancel(ctx), h, onePhaseCall)
	if resp.err != nil {
		// Неудачная фиксация SPC означает отмену изменений самим ресурсом
		h.markFailed()
		tx.setStatus(StatusRollingBack)
		err := tx.abort(fmt.Errorf("#TX_ONE_PHASE_FAILED: %s: %w", h.name, resp.err))
		tx.logger.Info("one-phase commit failed", zap.String("resource", h.name), zap.Error(resp.err))
		tx.finish(ctx, StatusRolledBack)
		return err
	}
	tx.finish(ctx, StatusCommitted)
	return nil
}

func (tx *Transaction) commitTwoPhase(ctx context.Context, participants []*ResourceHandle, lastAgent *ResourceHandle) error {
	// Шаг 2: 2PC Prepare

	voters := make([]*ResourceHandle, 0, len(participants))
	for _, h := range participants {
		if h != lastAgent {
			voters = append(voters, h)
		}
	}

	var (
		abort      bool
		cause      error
		committers []*ResourceHandle // Проголосовали за фиксацию
		touched    []*ResourceHandle // Все, кроме голосовавших только для чтения
	)
	for i, resp := range fanOut(ctx, voters, prepareCall) {
		h := voters[i]
		switch {
		case resp.err != nil:
			h.markFailed()
			abort = true
			if cause == nil {
				cause = fmt.Errorf("#TX_PREPARE_FAILED: %s: %w", h.name, resp.err)
			}
			touched = append(touched, h)
		case resp.vote == VoteAbort:
			abort = true
			if cause == nil {
				cause = fmt.Errorf("#TX_VOTE_ABORT: %s", h.name)
			}
			touched = append(touched, h)
		case resp.vote == VoteReadOnly:
			tx.logger.Debug("participant voted read-only", zap.String("resource", h.name))
		default:
			committers = append(committers, h)
			touched = append(touched, h)
		}
	}
	if lastAgent != nil {
		touched = append(touched, lastAgent)
	}

	// Учитываем возможные вложенные Rollback и SetRollbackOnly и покидаем фазу подготовки
	tx.mu.Lock()
	abort = abort || tx.prepareAborted
	switch {
	case abort:
		tx.setStatus(StatusRollingBack)
	case len(committers) == 0:
		tx.setStatus(StatusCommitting)
	default:
		tx.setStatus(StatusPrepared)
	}
	tx.mu.Unlock()

	if abort {
		tx.logger.Info("prepare aborted", zap.Error(cause))
		tx.rollbackParticipants(ctx, touched)
		err := tx.abort(cause)
		tx.finish(ctx, StatusRolledBack)
		return err
	}

	// Все участники только читали: фаза фиксации нужна только последнему агенту
	if len(committers) == 0 {
		if lastAgent == nil {
			tx.finish(ctx, StatusCommitted)
			return nil
		}
		return tx.commitOnePhase(ctx, lastAgent)
	}

	// Шаг 3: запись о подготовке. До ее сброса на диск фиксация еще может быть отменена

	if err := tx.coord.log.Append(ctx, tx.record(recoverylog.OutcomePrepared, committers, lastAgent)); err != nil {
		tx.logger.Error("recovery log append failed, rolling back", zap.Error(err))
		tx.setStatus(StatusRollingBack)
		tx.rollbackParticipants(ctx, touched)
		err = tx.abort(fmt.Errorf("#TX_RECOVERY_LOG: %w", err))
		tx.finish(ctx, StatusRolledBack)
		return err
	}

	// Решение о фиксации принято, фаза фиксации не прерывается
	ctx = context.WithoutCancel(ctx)

	// Шаг 4: SPC Commit последнего агента

	if lastAgent != nil {
		if resp := invoke(ctx, lastAgent, onePhaseCall); resp.err != nil {
			return tx.rollbackAfterLastAgent(ctx, committers, lastAgent, resp.err)
		}
	}

	// Шаг 5: 2PC Commit

	tx.setStatus(StatusCommitting)
	var (
		failures []ResourceFailure
		failed   []*ResourceHandle
	)
	for i, resp := range fanOut(ctx, committers, commitCall) {
		if resp.err == nil {
			continue
		}
		h := committers[i]
		h.markFailed()
		failed = append(failed, h)
		failures = append(failures, ResourceFailure{Resource: h.resource.Identity(), Cause: resp.err})
		tx.logger.Error("participant commit failed", zap.String("resource", h.name), zap.Error(resp.err))
	}

	if len(failures) > 0 {
		herr := &HeuristicError{TxID: tx.id, Failures: failures}
		tx.coord.reportHeuristic(ctx, tx.record(recoverylog.OutcomeHeuristic, failed, nil), herr)
		tx.finish(ctx, StatusCommitted)
		return herr
	}

	tx.coord.finalize(ctx, tx.record(recoverylog.OutcomeCompleted, nil, nil))
	tx.finish(ctx, StatusCommitted)
	return nil
}

// rollbackAfterLastAgent отменяет подготовленных участников после неудачной фиксации последнего агента. Решение об
// отмене записывается до обращения к участникам.
func (tx *Transaction) rollbackAfterLastAgent(
	ctx context.Context, committers []*ResourceHandle, lastAgent *ResourceHandle, cause error,
) error {
	lastAgent.markFailed()
	tx.logger.Warn("last agent commit failed, rolling back", zap.String("resource", lastAgent.name), zap.Error(cause))

	if err := tx.coord.log.Append(ctx, tx.record(recoverylog.OutcomeRollbackDecided, nil, nil)); err != nil {
		tx.logger.Error("recovery log append failed", zap.Error(err))
	}
	tx.setStatus(StatusRollingBack)
	if failures := tx.rollbackParticipants(ctx, committers); len(failures) == 0 {
		tx.coord.finalize(ctx, tx.record(recoverylog.OutcomeCompleted, nil, nil))
	} else {
		tx.coord.reportUnresolved(ctx, tx.record(recoverylog.OutcomeRollbackDecided, committers, nil),
			&HeuristicError{TxID: tx.id, Failures: failures})
	}

	err := tx.abort(fmt.Errorf("#TX_LAST_AGENT_FAILED: %s: %w", lastAgent.name, cause))
	tx.finish(ctx, StatusRolledBack)
	return err
}

// Rollback отменяет все изменения в транзакции.
// Синхронизации beforeCompletion не вызываются. На фазе подготовки 2PC, в том числе вложенно из Prepare участника,
// только прерывает подготовку, а отмену выполняет Commit.
// Может использоваться конкурентно.
//
// Возвращает nil если изменения отменены, ошибку, соответствующую ErrTxAborted, если изменения были отменены ранее, и
// ErrTxError если изменения были зафиксированы или решение о фиксации уже принято.
func (tx *Transaction) Rollback(ctx context.Context) error {
	// Отрабатываем случай вложенного (и неотличимого конкурентного) вызова во время 2PC Prepare
	if tx.abortPrepare() {
		return nil
	}

	tx.ctlMu.Lock()
	defer tx.ctlMu.Unlock()

	// Проверяем текущее состояние
	switch tx.Status() {
	case StatusCommitted:
		return fmt.Errorf("%w: %s", ErrTxError, tx)
	case StatusRolledBack:
		return abortedBy(tx.RollbackCause())
	}
	// ... т.к. tx.ctlMu исключает конкурирующие вызовы Commit и Rollback
	internal.Assert(tx.Status().acceptsRegistrations(), "#status", tx.Status())

	ctx, span := tx.coord.tracer.Start(ctx, "qtx.Rollback",
		trace.WithAttributes(attribute.String("qtx.tx", tx.id.String())))
	defer span.End()

	tx.rollback(ctx)
	return nil
}

func (tx *Transaction) abortPrepare() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.Status() != StatusPreparing {
		return false
	}
	tx.prepareAborted = true
	return true
}

// rollbackExpired отменяет транзакцию, просроченную по тайм-ауту, если ее завершение еще не началось.
func (tx *Transaction) rollbackExpired(ctx context.Context) {
	tx.ctlMu.Lock()
	defer tx.ctlMu.Unlock()

	if tx.Status() != StatusMarkedRollback {
		return
	}
	tx.logger.Info("rolling back timed out transaction", zap.Time("deadline", tx.deadline))
	tx.rollback(ctx)
}

// rollback отменяет изменения у всех участников. tx.ctlMu удерживается, состояние - StatusActive или
// StatusMarkedRollback.
func (tx *Transaction) rollback(ctx context.Context) {
	tx.mu.Lock()
	internal.Assert(tx.Status().acceptsRegistrations(), "#status", tx.Status())
	tx.setStatus(StatusRollingBack)
	participants := append([]*ResourceHandle(nil), tx.participants...)
	tx.mu.Unlock()

	tx.rollbackParticipants(ctx, participants)
	tx.finish(ctx, StatusRolledBack)
}

// rollbackParticipants конкурентно отменяет изменения участников. Отказ одного участника не мешает остальным.
func (tx *Transaction) rollbackParticipants(ctx context.Context, hs []*ResourceHandle) []ResourceFailure {
	var failures []ResourceFailure
	for i, resp := range fanOut(context.WithoutCancel(ctx), hs, rollbackCall) {
		if resp.err == nil {
			continue
		}
		h := hs[i]
		h.markFailed()
		failures = append(failures, ResourceFailure{Resource: h.resource.Identity(), Cause: resp.err})
		tx.logger.Warn("participant rollback failed", zap.String("resource", h.name), zap.Error(resp.err))
	}
	return failures
}

// abort запоминает причину отмены, если ее еще нет, и возвращает ошибку для вызывающего Commit.
func (tx *Transaction) abort(cause error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if tx.rollbackCause == nil {
		tx.rollbackCause = cause
	}
	return abortedBy(tx.rollbackCause)
}

// finish фиксирует итоговое состояние, вызывает синхронизации afterCompletion и высвобождает ресурсы. Ошибки
// высвобождения только журналируются.
func (tx *Transaction) finish(ctx context.Context, status Status) {
	ctx = context.WithoutCancel(ctx)
	tx.setStatus(status)
	tx.afterCompletion(ctx, status)

	// Высвобождаем накопленные ресурсы
	tx.mu.Lock()
	participants := tx.participants
	tx.pools = nil
	tx.lastAgent = nil
	tx.mu.Unlock()

	for _, h := range participants {
		if err := h.CloseUserConnection(); err != nil {
			tx.logger.Warn("close user connection failed", zap.Error(err))
		}
		if h.hasFailed() {
			if err := h.DestroyResource(); err != nil {
				tx.logger.Warn("destroy resource failed", zap.Error(err))
			}
		}
		h.release()
	}

	tx.coord.finished(ctx, tx, status)
	close(tx.done)
}

// record строит запись журнала восстановления для участников hs и последнего агента.
func (tx *Transaction) record(outcome recoverylog.Outcome, hs []*ResourceHandle, lastAgent *ResourceHandle) *recoverylog.Record {
	rec := &recoverylog.Record{
		TxID:      tx.id.String(),
		Outcome:   outcome,
		Timestamp: time.Now(),
	}
	for _, h := range hs {
		rec.Participants = append(rec.Participants, participantOf(h, false))
	}
	if lastAgent != nil {
		rec.Participants = append(rec.Participants, participantOf(lastAgent, true))
	}
	return rec
}

func participantOf(h *ResourceHandle, lastAgent bool) recoverylog.Participant {
	return recoverylog.Participant{
		ResourceID: string(h.resource.Identity()),
		BranchID:   h.Xid().String(),
		LastAgent:  lastAgent,
	}
}
