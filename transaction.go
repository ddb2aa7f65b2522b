package qtx

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
)

// Transaction - транзакция с множественными участниками-ресурсами, взаимодействие с которыми производится по
// протоколам Two Phase Commit (2PC) и Single Phase Commit (SPC). Создается только координатором, см.
// [Coordinator.Begin].
//
// Переходы состояния выполняются сравнением с обменом, так что фоновая отмена по тайм-ауту и вызовы Commit и
// Rollback не могут одновременно завершить одну транзакцию.
type Transaction struct {
	id       uuid.UUID
	coord    *Coordinator
	logger   *zap.Logger
	begunAt  time.Time
	deadline time.Time

	status   atomic.Int32
	timedOut atomic.Bool

	mu             sync.Mutex
	pools          map[string][]*ResourceHandle
	participants   []*ResourceHandle // В порядке присоединения, включая lastAgent.
	lastAgent      *ResourceHandle   // Единственный участник без XA.
	branchSeq      uint32
	rollbackCause  error
	prepareAborted bool
	containerData  any
	resources      map[any]any
	syncs          syncRegistry

	// Для исключения конкурирующих друг с другом Commit и Rollback, в дополнение к mu
	ctlMu sync.Mutex
	done  chan struct{}
}

func newTransaction(coord *Coordinator, timeout time.Duration) *Transaction {
	tx := &Transaction{
		id:      uuid.New(),
		coord:   coord,
		begunAt: time.Now(),
		pools:   make(map[string][]*ResourceHandle),
		done:    make(chan struct{}),
	}
	if timeout > 0 {
		tx.deadline = tx.begunAt.Add(timeout)
	}
	tx.logger = coord.logger.With(zap.Stringer("tx", tx.id))
	tx.status.Store(int32(StatusActive))
	return tx
}

func (tx *Transaction) ID() uuid.UUID { return tx.id }

// Xid возвращает идентификатор транзакции в форме XA с нулевым квалификатором ветви.
func (tx *Transaction) Xid() Xid { return Xid{Global: tx.id} }

func (tx *Transaction) Status() Status { return Status(tx.status.Load()) }

// Deadline возвращает момент истечения тайм-аута. Нулевое значение - тайм-аута нет.
func (tx *Transaction) Deadline() time.Time { return tx.deadline }

// Done закрывается, когда транзакция достигает конечного состояния и все ее синхронизации отработали.
func (tx *Transaction) Done() <-chan struct{} { return tx.done }

func (tx *Transaction) String() string {
	return fmt.Sprintf("tx %s (%s)", tx.id, tx.Status())
}

func (tx *Transaction) transition(from, to Status) bool {
	return tx.status.CompareAndSwap(int32(from), int32(to))
}

func (tx *Transaction) setStatus(to Status) {
	tx.status.Store(int32(to))
}

// SetRollbackOnly помечает транзакцию для отмены. cause становится причиной в ошибке Commit.
// На фазе подготовки 2PC прерывает подготовку. Повторная пометка ничего не меняет.
//
// Возвращает ErrTxError если решение о фиксации уже принято.
func (tx *Transaction) SetRollbackOnly(cause error) error {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	for {
		switch s := tx.Status(); s {
		case StatusActive:
			if tx.transition(StatusActive, StatusMarkedRollback) {
				tx.rollbackCause = cause
				tx.logger.Debug("transaction marked rollback-only", zap.Error(cause))
				return nil
			}
		case StatusPreparing:
			// Отрабатываем случай вложенного (и неотличимого конкурентного) вызова во время 2PC Prepare
			tx.prepareAborted = true
			if tx.rollbackCause == nil {
				tx.rollbackCause = cause
			}
			return nil
		case StatusMarkedRollback, StatusRollingBack, StatusRolledBack:
			return nil
		default:
			return fmt.Errorf("%w: %s", ErrTxError, tx)
		}
	}
}

// RollbackOnly сообщает, что транзакция может завершиться только отменой.
func (tx *Transaction) RollbackOnly() bool {
	switch tx.Status() {
	case StatusMarkedRollback, StatusRollingBack, StatusRolledBack:
		return true
	}
	return false
}

// RollbackCause возвращает причину пометки для отмены или nil.
func (tx *Transaction) RollbackCause() error {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.rollbackCause
}

// expire помечает просроченную транзакцию для отмены. Возвращает false, если завершение транзакции уже началось.
func (tx *Transaction) expire() bool {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch {
	case tx.transition(StatusActive, StatusMarkedRollback):
	case tx.Status() == StatusMarkedRollback:
	default:
		return false
	}
	tx.timedOut.Store(true)
	if tx.rollbackCause == nil {
		tx.rollbackCause = ErrTxTimedOut
	}
	return true
}

// stateError строит ошибку операции, недопустимой в текущем состоянии. После тайм-аута ошибка также соответствует
// ErrTxTimedOut.
func (tx *Transaction) stateError(base error) error {
	if tx.timedOut.Load() {
		return fmt.Errorf("%w: %w", base, ErrTxTimedOut)
	}
	return fmt.Errorf("%w: %s", base, tx)
}

// ---

// ContainerData возвращает данные, прикрепленные контейнером компонентов.
func (tx *Transaction) ContainerData() any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.containerData
}

func (tx *Transaction) SetContainerData(data any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	tx.containerData = data
}

// PutResource связывает значение с ключом в пределах транзакции.
func (tx *Transaction) PutResource(key, value any) {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	if tx.resources == nil {
		tx.resources = make(map[any]any)
	}
	tx.resources[key] = value
}

// GetResource возвращает значение, связанное с ключом через PutResource, или nil.
func (tx *Transaction) GetResource(key any) any {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return tx.resources[key]
}

// Resources возвращает участников транзакции в порядке присоединения.
func (tx *Transaction) Resources() []*ResourceHandle {
	tx.mu.Lock()
	defer tx.mu.Unlock()
	return append([]*ResourceHandle(nil), tx.participants...)
}

// ---

// EnlistResource присоединяет ресурс к транзакции.
// Если в том же пуле уже есть разделяемый и не приостановленный ресурс этой транзакции, возвращается он, и новый
// участник не создается. Повторное присоединение того же ресурса возобновляет его.
//
// Возвращает ErrIllegalEnlistment если ресурс присоединен к другой транзакции, если транзакция уже завершается и
// если в транзакции уже есть другой ресурс без XA.
func (tx *Transaction) EnlistResource(h *ResourceHandle) (*ResourceHandle, error) {
	tx.mu.Lock()
	defer tx.mu.Unlock()

	switch s := tx.Status(); {
	case s == StatusActive:
	case s == StatusMarkedRollback && !tx.timedOut.Load():
	default:
		return nil, tx.stateError(ErrIllegalEnlistment)
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	switch {
	case h.tx == tx:
		h.state = handleEnlisted
		h.suspended = false
		return h, nil
	case h.tx != nil:
		return nil, fmt.Errorf("%w: %s is enlisted in %s", ErrIllegalEnlistment, h.name, h.tx)
	}

	if h.shareable {
		if shared := tx.shareableLocked(h.pool); shared != nil {
			return shared, nil
		}
	}

	xa := h.resource.SupportsXA()
	if !xa && tx.lastAgent != nil {
		return nil, fmt.Errorf("%w: %s: %s is already the single-phase participant",
			ErrIllegalEnlistment, h.name, tx.lastAgent.name)
	}

	tx.branchSeq++
	h.xid = Xid{Global: tx.id, Branch: tx.branchSeq}
	h.tx = tx
	h.state = handleEnlisted
	h.suspended = false
	tx.pools[h.pool] = append(tx.pools[h.pool], h)
	tx.participants = append(tx.participants, h)
	if !xa {
		tx.lastAgent = h
	}
	tx.logger.Debug("resource enlisted",
		zap.String("resource", h.name),
		zap.String("pool", h.pool),
		zap.Stringer("xid", h.xid),
		zap.Bool("xa", xa))
	return h, nil
}

func (tx *Transaction) shareableLocked(pool string) *ResourceHandle {
	for _, other := range tx.pools[pool] {
		other.mu.Lock()
		ok := other.shareable && !other.suspended && !other.failed
		other.mu.Unlock()
		if ok {
			return other
		}
	}
	return nil
}

// DelistResource завершает связь ресурса с текущим вызовом. Ветвь остается участником транзакции.
// С флагом DelistFail транзакция помечается для отмены.
//
// Возвращает ErrTxError если ресурс не присоединен к tx.
func (tx *Transaction) DelistResource(h *ResourceHandle, flag DelistFlag) error {
	tx.mu.Lock()
	h.mu.Lock()
	if h.tx != tx {
		h.mu.Unlock()
		tx.mu.Unlock()
		return fmt.Errorf("%w: %s is not enlisted in %s", ErrTxError, h.name, tx)
	}
	h.state = handleDelisted
	switch flag {
	case DelistSuspend:
		h.suspended = true
	case DelistFail:
		h.failed = true
	}
	name := h.name
	h.mu.Unlock()
	tx.mu.Unlock()

	if flag == DelistFail {
		tx.logger.Warn("resource delisted on failure", zap.String("resource", name))
		return tx.SetRollbackOnly(fmt.Errorf("#TX_RESOURCE_FAILED: %s", name))
	}
	return nil
}

