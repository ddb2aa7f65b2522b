package qtx

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Synchronization - обработчик событий завершения транзакции.
type Synchronization interface {
	// BeforeCompletion вызывается перед фиксацией. Ошибка помечает транзакцию для отмены.
	BeforeCompletion(ctx context.Context) error
	// AfterCompletion вызывается после фиксации или отмены с итоговым состоянием транзакции.
	AfterCompletion(ctx context.Context, status Status)
}

// SynchronizationFuncs адаптирует пару функций к [Synchronization]. Любая из функций может отсутствовать.
type SynchronizationFuncs struct {
	Before func(ctx context.Context) error
	After  func(ctx context.Context, status Status)
}

func (s SynchronizationFuncs) BeforeCompletion(ctx context.Context) error {
	if s.Before == nil {
		return nil
	}
	return s.Before(ctx)
}

func (s SynchronizationFuncs) AfterCompletion(ctx context.Context, status Status) {
	if s.After != nil {
		s.After(ctx, status)
	}
}

// syncRegistry - синхронизации транзакции в порядке регистрации. Защищается мьютексом транзакции.
type syncRegistry struct {
	interposed []Synchronization
	regular    []Synchronization
}

// RegisterSynchronization регистрирует синхронизацию. Синхронизации вызываются в порядке регистрации после
// промежуточных (interposed).
//
// Возвращает ErrTxError если транзакция уже завершается.
func (tx *Transaction) RegisterSynchronization(s Synchronization) error {
	return tx.registerSynchronization(s, false)
}

// RegisterInterposedSynchronization регистрирует промежуточную синхронизацию. BeforeCompletion промежуточных
// синхронизаций вызываются до обычных, AfterCompletion - тоже до обычных.
//
// Возвращает ErrTxError если транзакция уже завершается.
func (tx *Transaction) RegisterInterposedSynchronization(s Synchronization) error {
	return tx.registerSynchronization(s, true)
}

func (tx *Transaction) registerSynchronization(s Synchronization, interposed bool) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if !tx.Status().acceptsRegistrations() || tx.timedOut.Load() {
		return tx.stateError(ErrTxError)
	}
	if interposed {
		tx.syncs.interposed = append(tx.syncs.interposed, s)
	} else {
		tx.syncs.regular = append(tx.syncs.regular, s)
	}
	return nil
}

// nextSync возвращает очередную синхронизацию для BeforeCompletion с учетом регистраций, сделанных уже во время
// вызовов. Промежуточная синхронизация, еще не вызванная, всегда идет раньше обычной.
func (tx *Transaction) nextSync(interposed, regular *int) (Synchronization, bool) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	if *interposed < len(tx.syncs.interposed) {
		s := tx.syncs.interposed[*interposed]
		*interposed++
		return s, true
	}
	if *regular < len(tx.syncs.regular) {
		s := tx.syncs.regular[*regular]
		*regular++
		return s, true
	}
	return nil, false
}

// beforeCompletion вызывает BeforeCompletion синхронизаций до первой ошибки или пометки транзакции для отмены.
// Ошибка синхронизации помечает транзакцию для отмены.
func (tx *Transaction) beforeCompletion(ctx context.Context) {
	var interposed, regular int
	for tx.Status() == StatusActive {
		s, ok := tx.nextSync(&interposed, &regular)
		if !ok {
			return
		}
		if err := callBeforeCompletion(ctx, s); err != nil {
			tx.logger.Info("beforeCompletion failed", zap.Error(err))
			_ = tx.SetRollbackOnly(fmt.Errorf("#TX_BEFORE_COMPLETION: %w", err))
			return
		}
	}
}

func callBeforeCompletion(ctx context.Context, s Synchronization) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("#TX_SYNCHRONIZATION_PANIC: %v", r)
		}
	}()
	return s.BeforeCompletion(ctx)
}

// afterCompletion вызывает AfterCompletion всех синхронизаций. Ошибки только журналируются: исход уже не изменить.
func (tx *Transaction) afterCompletion(ctx context.Context, status Status) {
	tx.mu.Lock()
	syncs := make([]Synchronization, 0, len(tx.syncs.interposed)+len(tx.syncs.regular))
	syncs = append(syncs, tx.syncs.interposed...)
	syncs = append(syncs, tx.syncs.regular...)
	tx.mu.Unlock()

	for _, s := range syncs {
		func() {
			defer func() {
				if r := recover(); r != nil {
					tx.logger.Error("afterCompletion panicked", zap.Any("panic", r), zap.Stringer("status", status))
				}
			}()
			s.AfterCompletion(ctx, status)
		}()
	}
}
