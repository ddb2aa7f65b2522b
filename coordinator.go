package qtx

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/qbixus/qtx-tm/internal"
	"github.com/qbixus/qtx-tm/recoverylog"
)

// RecoveryLog - долговременный журнал решений координатора. Реализации - в пакете recoverylog.
type RecoveryLog interface {
	// Append дописывает запись и возвращает управление после ее сброса на диск.
	Append(ctx context.Context, rec *recoverylog.Record) error
	// Pending возвращает последние записи незавершенных транзакций.
	Pending(ctx context.Context) ([]*recoverylog.Record, error)
	// Checkpoint удаляет из журнала записи завершенных транзакций.
	Checkpoint(ctx context.Context) error
	Close() error
}

// Coordinator - координатор транзакций: создает транзакции и связывает их с цепочкой вызовов, следит за
// тайм-аутами, восстанавливает транзакции после аварии по журналу восстановления.
//
// Жизненный цикл: New, затем Start (восстановление, фоновые задачи, оповещения о готовности), затем Shutdown.
type Coordinator struct {
	cfg     Config
	log     RecoveryLog
	logger  *zap.Logger
	alert   func(Alert)
	metrics *metrics
	tracer  trace.Tracer
	limiter *rate.Limiter

	frozen  atomic.Bool
	started atomic.Bool
	scanned chan struct{} // Закрывается по завершении просмотра журнала восстановления.

	mu            sync.Mutex
	closing       bool
	reaperStarted bool
	active        map[uuid.UUID]*Transaction
	connectors    map[ResourceID]ResourceConnector
	inDoubt       map[string]*recoverylog.Record
	finalized     int
	onReady       []func()
	onShutdown    []func()
	inflight      sync.WaitGroup

	recoveryMu sync.Mutex
	scanDone   bool

	bgCtx    context.Context
	bgCancel context.CancelFunc
	bgWg     sync.WaitGroup
}

// New создает координатор поверх журнала восстановления log. Координатор владеет журналом и закрывает его в
// Shutdown.
func New(log RecoveryLog, opts ...Option) (*Coordinator, error) {
	internal.Assert(log != nil, "#args: log")
	o := newOptions(opts)

	m, err := newMetrics(o.meterProvider)
	if err != nil {
		return nil, fmt.Errorf("#TX_METRICS: %w", err)
	}
	bgCtx, bgCancel := context.WithCancel(context.Background())
	return &Coordinator{
		cfg:        o.cfg,
		log:        log,
		logger:     o.logger,
		alert:      o.alert,
		metrics:    m,
		tracer:     o.tracerProvider.Tracer(instrumentationName),
		limiter:    rate.NewLimiter(rate.Limit(o.cfg.ReconnectRate), 1),
		scanned:    make(chan struct{}),
		active:     make(map[uuid.UUID]*Transaction),
		connectors: make(map[ResourceID]ResourceConnector),
		inDoubt:    make(map[string]*recoverylog.Record),
		bgCtx:      bgCtx,
		bgCancel:   bgCancel,
	}, nil
}

func (c *Coordinator) Config() Config { return c.cfg }

// OnReady регистрирует обработчик, вызываемый из Start после восстановления.
func (c *Coordinator) OnReady(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onReady = append(c.onReady, fn)
}

// OnPrepareShutdown регистрирует обработчик, вызываемый в начале Shutdown.
func (c *Coordinator) OnPrepareShutdown(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onShutdown = append(c.onShutdown, fn)
}

// RegisterResourceConnector регистрирует способ восстановить связь с участником id после перезапуска.
//
// Возвращает ErrInvalidOperation если для id уже есть зарегистрированный способ.
func (c *Coordinator) RegisterResourceConnector(id ResourceID, connector ResourceConnector) error {
	internal.Assert(connector != nil, "#args: connector")
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, ok := c.connectors[id]; ok {
		return fmt.Errorf("%w: connector for %s is already registered", ErrInvalidOperation, id)
	}
	c.connectors[id] = connector
	return nil
}

// Start восстанавливает транзакции по журналу (см. [Coordinator.InitRecovery] и Config.DelegatedRecovery),
// запускает контроль тайм-аутов и вызывает обработчики OnReady. Повторный вызов ничего не делает.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	closing := c.closing
	c.mu.Unlock()
	if closing {
		return fmt.Errorf("%w: coordinator is shut down", ErrServiceUnavailable)
	}

	if err := c.InitRecovery(ctx, c.cfg.DelegatedRecovery); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return fmt.Errorf("%w: coordinator is shut down", ErrServiceUnavailable)
	}
	if c.reaperStarted {
		c.mu.Unlock()
		return nil
	}
	c.reaperStarted = true
	ready := append([]func(){}, c.onReady...)
	c.bgWg.Add(1)
	c.mu.Unlock()

	go func() {
		defer c.bgWg.Done()
		c.runReaper(c.bgCtx)
	}()

	for _, fn := range ready {
		fn()
	}
	c.logger.Info("transaction coordinator started")
	return nil
}

// Shutdown прекращает прием новых транзакций, вызывает обработчики OnPrepareShutdown и ждет завершения начатых
// транзакций не дольше, чем позволяют ctx и Config.ShutdownTimeout. Затем останавливает фоновые задачи и закрывает
// журнал восстановления.
//
// Возвращает ошибку, если транзакции не завершились за отведенное время.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return nil
	}
	c.closing = true
	callbacks := append([]func(){}, c.onShutdown...)
	c.mu.Unlock()

	for _, fn := range callbacks {
		fn()
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.ShutdownTimeout)
	defer cancel()

	// После closing новых транзакций нет, так что ноль активных - окончательный
	var err error
	if c.ActiveTransactions() > 0 {
		drained := make(chan struct{})
		go func() {
			c.inflight.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-ctx.Done():
			n := c.ActiveTransactions()
			err = fmt.Errorf("#TX_SHUTDOWN: %d transactions in flight: %w", n, ctx.Err())
			c.logger.Warn("shutdown timed out", zap.Int("active", n))
		}
	}

	c.bgCancel()
	c.bgWg.Wait()
	if cerr := c.log.Close(); cerr != nil && err == nil {
		err = fmt.Errorf("#TX_SHUTDOWN: %w", cerr)
	}
	c.logger.Info("transaction coordinator stopped")
	return err
}

// ActiveTransactions возвращает число незавершенных транзакций.
func (c *Coordinator) ActiveTransactions() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.active)
}

// ---

// Freeze прекращает прием новых транзакций, не затрагивая начатые. Повторный вызов ничего не делает.
func (c *Coordinator) Freeze() {
	if c.frozen.CompareAndSwap(false, true) {
		c.logger.Info("transaction coordinator frozen")
	}
}

// Unfreeze возобновляет прием новых транзакций.
func (c *Coordinator) Unfreeze() {
	if c.frozen.CompareAndSwap(true, false) {
		c.logger.Info("transaction coordinator unfrozen")
	}
}

func (c *Coordinator) IsFrozen() bool { return c.frozen.Load() }

// ---

// Begin начинает транзакцию и связывает ее с цепочкой вызовов ctx новым кадром вызова. timeout <= 0 означает
// Config.DefaultTimeout. До завершения просмотра журнала восстановления Begin ждет.
//
// Возвращает контекст со стеком вызовов и новую транзакцию. Возвращает ErrServiceUnavailable если координатор
// заморожен, остановлен или восстановление не начато, и ErrNotSupported если в цепочке вызовов уже есть активная
// транзакция, а вложенные транзакции не разрешены.
func (c *Coordinator) Begin(ctx context.Context, timeout time.Duration) (context.Context, *Transaction, error) {
	internal.Assert(ctx != nil, "#args: ctx")

	if c.frozen.Load() {
		return ctx, nil, fmt.Errorf("%w: coordinator is frozen", ErrServiceUnavailable)
	}
	if !c.started.Load() {
		return ctx, nil, fmt.Errorf("%w: recovery is not initialized", ErrServiceUnavailable)
	}
	select {
	case <-c.scanned:
	case <-ctx.Done():
		return ctx, nil, ctx.Err()
	}

	ctx = WithInvocationStack(ctx)
	if cur := CurrentTransaction(ctx); cur != nil && !cur.Status().IsTerminal() && !c.cfg.NestedTransactions {
		return ctx, nil, fmt.Errorf("%w: %s is in progress", ErrNotSupported, cur)
	}
	if timeout <= 0 {
		timeout = c.cfg.DefaultTimeout
	}

	tx := newTransaction(c, timeout)
	c.mu.Lock()
	if c.closing {
		c.mu.Unlock()
		return ctx, nil, fmt.Errorf("%w: coordinator is shutting down", ErrServiceUnavailable)
	}
	c.inflight.Add(1)
	c.active[tx.id] = tx
	c.mu.Unlock()

	InvocationStackFrom(ctx).PreInvoke(&InvocationFrame{Kind: ComponentTxBoundary, Transaction: tx})
	c.metrics.begun.Add(ctx, 1)
	c.metrics.active.Add(ctx, 1)
	tx.logger.Debug("transaction begun", zap.Duration("timeout", timeout))
	return ctx, tx, nil
}

// Commit фиксирует текущую транзакцию ctx, см. [Transaction.Commit]. Связь транзакции с цепочкой вызовов
// разрывается при любом исходе.
//
// Возвращает ErrNoTransaction если текущей транзакции нет.
func (c *Coordinator) Commit(ctx context.Context) error {
	tx := CurrentTransaction(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	defer c.releaseFrame(InvocationStackFrom(ctx), tx)
	return tx.Commit(ctx)
}

// Rollback отменяет текущую транзакцию ctx, см. [Transaction.Rollback]. Связь транзакции с цепочкой вызовов
// разрывается при любом исходе.
//
// Возвращает ErrNoTransaction если текущей транзакции нет.
func (c *Coordinator) Rollback(ctx context.Context) error {
	tx := CurrentTransaction(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	defer c.releaseFrame(InvocationStackFrom(ctx), tx)
	return tx.Rollback(ctx)
}

// SetRollbackOnly помечает текущую транзакцию ctx для отмены.
//
// Возвращает ErrNoTransaction если текущей транзакции нет.
func (c *Coordinator) SetRollbackOnly(ctx context.Context) error {
	tx := CurrentTransaction(ctx)
	if tx == nil {
		return ErrNoTransaction
	}
	return tx.SetRollbackOnly(nil)
}

// Status возвращает состояние текущей транзакции ctx или StatusNoTransaction.
func (c *Coordinator) Status(ctx context.Context) Status {
	if tx := CurrentTransaction(ctx); tx != nil {
		return tx.Status()
	}
	return StatusNoTransaction
}

// Transaction возвращает текущую транзакцию ctx или nil.
func (c *Coordinator) Transaction(ctx context.Context) *Transaction {
	return CurrentTransaction(ctx)
}

// Suspend разрывает связь текущей транзакции с цепочкой вызовов, не завершая ее. Кадр, созданный Begin или Resume,
// снимается со стека.
//
// Возвращает приостановленную транзакцию или nil, если текущей транзакции нет.
func (c *Coordinator) Suspend(ctx context.Context) (*Transaction, error) {
	stack := InvocationStackFrom(ctx)
	if stack == nil {
		return nil, nil
	}
	frame, err := stack.CurrentInvocation()
	if err != nil || frame.Transaction == nil {
		return nil, nil
	}
	tx := frame.Transaction
	if frame.Kind == ComponentTxBoundary {
		if err := stack.PostInvoke(frame); err != nil {
			return nil, err
		}
	} else {
		stack.swapTop(nil)
	}
	tx.logger.Debug("transaction suspended")
	return tx, nil
}

// Resume связывает приостановленную транзакцию с цепочкой вызовов ctx. Если на вершине стека кадр вызова без
// транзакции, транзакция связывается с ним, иначе помещается новый кадр. Resume(ctx, nil) ничего не делает.
//
// Возвращает контекст со стеком вызовов. Возвращает ErrInvalidOperation если транзакция завершена и ErrTxError если
// с цепочкой вызовов уже связана транзакция.
func (c *Coordinator) Resume(ctx context.Context, tx *Transaction) (context.Context, error) {
	ctx = WithInvocationStack(ctx)
	if tx == nil {
		return ctx, nil
	}
	if tx.Status().IsTerminal() {
		return ctx, fmt.Errorf("%w: %s", ErrInvalidOperation, tx)
	}
	stack := InvocationStackFrom(ctx)
	if cur := stack.currentTransaction(); cur != nil {
		return ctx, fmt.Errorf("%w: %s is already associated", ErrTxError, cur)
	}
	if _, ok := stack.swapTop(tx); !ok {
		stack.PreInvoke(&InvocationFrame{Kind: ComponentTxBoundary, Transaction: tx})
	}
	tx.logger.Debug("transaction resumed")
	return ctx, nil
}

// releaseFrame разрывает связь tx с вершиной стека: снимает кадр координатора или очищает кадр вызова компонента.
func (c *Coordinator) releaseFrame(stack *InvocationStack, tx *Transaction) {
	frame, err := stack.CurrentInvocation()
	if err != nil || frame.Transaction != tx {
		return
	}
	if frame.Kind == ComponentTxBoundary {
		_ = stack.PostInvoke(frame)
		return
	}
	stack.swapTop(nil)
}

// ---

// finished учитывает завершение транзакции.
func (c *Coordinator) finished(ctx context.Context, tx *Transaction, status Status) {
	c.mu.Lock()
	if _, ok := c.active[tx.id]; ok {
		delete(c.active, tx.id)
		c.inflight.Done()
	}
	c.mu.Unlock()

	c.metrics.active.Add(ctx, -1)
	switch status {
	case StatusCommitted:
		c.metrics.committed.Add(ctx, 1)
	case StatusRolledBack:
		c.metrics.rolledBack.Add(ctx, 1)
	}
	tx.logger.Debug("transaction completed", zap.Stringer("status", status))
}

// finalize дописывает запись о завершении транзакции и по достижении Config.KeypointInterval запускает
// контрольную точку журнала.
func (c *Coordinator) finalize(ctx context.Context, rec *recoverylog.Record) error {
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Warn("recovery log finalize failed", zap.String("tx", rec.TxID), zap.Error(err))
		return err
	}

	c.mu.Lock()
	if _, ok := c.inDoubt[rec.TxID]; ok {
		delete(c.inDoubt, rec.TxID)
		c.metrics.unresolved.Add(ctx, -1)
	}
	c.finalized++
	keypoint := c.finalized >= c.cfg.KeypointInterval && !c.closing
	if keypoint {
		c.finalized = 0
		c.bgWg.Add(1)
	}
	c.mu.Unlock()

	if keypoint {
		go func() {
			defer c.bgWg.Done()
			c.keypoint(c.bgCtx)
		}()
	}
	return nil
}

func (c *Coordinator) keypoint(ctx context.Context) {
	if err := c.log.Checkpoint(ctx); err != nil {
		c.logger.Warn("recovery log keypoint failed", zap.Error(err))
		return
	}
	c.logger.Debug("recovery log keypoint")
}

// reportHeuristic записывает эвристический исход фазы фиксации и оповещает администратора.
func (c *Coordinator) reportHeuristic(ctx context.Context, rec *recoverylog.Record, herr *HeuristicError) {
	if err := c.log.Append(ctx, rec); err != nil {
		c.logger.Error("recovery log append failed", zap.String("tx", rec.TxID), zap.Error(err))
	}
	c.metrics.heuristic.Add(ctx, 1)
	c.reportUnresolved(ctx, rec, herr)
}

// reportUnresolved оставляет транзакцию среди неразрешенных и оповещает администратора.
func (c *Coordinator) reportUnresolved(ctx context.Context, rec *recoverylog.Record, err error) {
	c.addInDoubt(ctx, rec)

	resources := make([]ResourceID, 0, len(rec.Participants))
	for _, p := range rec.Participants {
		resources = append(resources, ResourceID(p.ResourceID))
	}
	c.logger.Error("transaction requires administrative resolution",
		zap.String("tx", rec.TxID),
		zap.Stringer("outcome", rec.Outcome),
		zap.Any("resources", resources),
		zap.Error(err))
	c.alert(Alert{TxID: rec.TxID, Outcome: rec.Outcome.String(), Resources: resources, Err: err})
}

func (c *Coordinator) addInDoubt(ctx context.Context, rec *recoverylog.Record) {
	c.mu.Lock()
	_, known := c.inDoubt[rec.TxID]
	c.inDoubt[rec.TxID] = rec.Clone()
	c.mu.Unlock()

	if !known {
		c.metrics.unresolved.Add(ctx, 1)
	}
}
