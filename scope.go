package qtx

import (
	"context"
	"fmt"

	"github.com/qbixus/qtx-tm/internal"
)

// ErrScopeDisposed - причина отмены транзакции, зона которой освобождена без вызова complete.
var ErrScopeDisposed = fmt.Errorf("#TX_SCOPE_DISPOSED: %w", ErrTxAborted)

// WithTransactionScope возвращает производный по отношению к ctx контекст с новой транзакционной зоной.
// Если не указано иное, то зона создается с опцией WithTxRequired.
//
// Возвращает результирующий контекст и complete- и dispose- функции для зоны. complete завершает зону: фиксирует
// транзакцию, начатую зоной. dispose освобождает зону и, если complete не вызывался, отменяет ее транзакцию.
// Ошибка начала транзакции возвращается из complete.
func (c *Coordinator) WithTransactionScope(ctx context.Context, opts ...ScopeOption) (
	newCtx context.Context, complete func() error, dispose func() error,
) {
	internal.Assert(ctx != nil, "#args: ctx")
	options := scopeOptions{}
	for _, opt := range opts {
		opt(&options)
	}
	if options.createScope == nil {
		options.createScope = createRequiresScope
	}
	return options.createScope(c, WithInvocationStack(ctx), &options)
}

func createTransactionScope(c *Coordinator, ctx context.Context, options *scopeOptions) (context.Context, func() error, func() error) {
	suspended, err := c.Suspend(ctx)
	if err == nil {
		ctx, err = c.Resume(ctx, options.tx)
	}
	scope := &transactionScope{c: c, ctx: ctx, tx: options.tx, suspended: suspended, err: err}
	return ctx, scope.complete, scope.dispose
}

func createRequiresScope(c *Coordinator, ctx context.Context, options *scopeOptions) (context.Context, func() error, func() error) {
	if tx := CurrentTransaction(ctx); tx != nil && !tx.Status().IsTerminal() {
		scope := &joinedScope{tx: tx}
		return ctx, scope.complete, scope.dispose
	}
	return newCommittableScope(c, ctx, nil)
}

func createRequiresNewScope(c *Coordinator, ctx context.Context, options *scopeOptions) (context.Context, func() error, func() error) {
	suspended, err := c.Suspend(ctx)
	if err != nil {
		scope := &committableScope{c: c, ctx: ctx, err: err}
		return ctx, scope.complete, scope.dispose
	}
	return newCommittableScope(c, ctx, suspended)
}

func createSuppressScope(c *Coordinator, ctx context.Context, options *scopeOptions) (context.Context, func() error, func() error) {
	suspended, err := c.Suspend(ctx)
	scope := &emptyScope{c: c, ctx: ctx, suspended: suspended, err: err}
	return ctx, scope.complete, scope.dispose
}

// ---

type committableScope struct {
	c          *Coordinator
	ctx        context.Context
	suspended  *Transaction
	err        error
	terminated bool
}

func newCommittableScope(c *Coordinator, ctx context.Context, suspended *Transaction) (context.Context, func() error, func() error) {
	newCtx, _, err := c.Begin(ctx, 0)
	scope := &committableScope{c: c, ctx: newCtx, suspended: suspended, err: err}
	return newCtx, scope.complete, scope.dispose
}

func (s *committableScope) dispose() error {
	if s.terminated {
		return nil
	}
	s.terminated = true
	var err error
	if s.err == nil {
		err = s.c.Rollback(s.ctx)
	}
	return resumeSuspended(s.c, s.ctx, s.suspended, err)
}

func (s *committableScope) complete() error {
	if s.terminated {
		return ErrInvalidOperation
	}
	s.terminated = true
	err := s.err
	if err == nil {
		err = s.c.Commit(s.ctx)
	}
	return resumeSuspended(s.c, s.ctx, s.suspended, err)
}

// ---

// joinedScope - зона внутри уже начатой транзакции. Транзакцию завершает ее владелец.
type joinedScope struct {
	tx         *Transaction
	terminated bool
}

func (s *joinedScope) dispose() error {
	if s.terminated {
		return nil
	}
	s.terminated = true
	return s.tx.SetRollbackOnly(ErrScopeDisposed)
}

func (s *joinedScope) complete() error {
	if s.terminated {
		return ErrInvalidOperation
	}
	s.terminated = true
	return nil
}

// ---

// transactionScope - зона с явно указанной транзакцией.
type transactionScope struct {
	c          *Coordinator
	ctx        context.Context
	tx         *Transaction
	suspended  *Transaction
	err        error
	terminated bool
}

func (s *transactionScope) dispose() error {
	if s.terminated {
		return nil
	}
	s.terminated = true
	if s.err != nil {
		return resumeSuspended(s.c, s.ctx, s.suspended, nil)
	}
	_ = s.tx.SetRollbackOnly(ErrScopeDisposed)
	return s.detach()
}

func (s *transactionScope) complete() error {
	if s.terminated {
		return ErrInvalidOperation
	}
	s.terminated = true
	if s.err != nil {
		return resumeSuspended(s.c, s.ctx, s.suspended, s.err)
	}
	return s.detach()
}

func (s *transactionScope) detach() error {
	_, err := s.c.Suspend(s.ctx)
	return resumeSuspended(s.c, s.ctx, s.suspended, err)
}

// ---

type emptyScope struct {
	c          *Coordinator
	ctx        context.Context
	suspended  *Transaction
	err        error
	terminated bool
}

func (s *emptyScope) dispose() error {
	if s.terminated {
		return nil
	}
	s.terminated = true
	return resumeSuspended(s.c, s.ctx, s.suspended, nil)
}

func (s *emptyScope) complete() error {
	if s.terminated {
		return ErrInvalidOperation
	}
	s.terminated = true
	return resumeSuspended(s.c, s.ctx, s.suspended, s.err)
}

// resumeSuspended возвращает приостановленную зоной транзакцию в цепочку вызовов. Ошибка err имеет приоритет.
func resumeSuspended(c *Coordinator, ctx context.Context, suspended *Transaction, err error) error {
	if suspended == nil {
		return err
	}
	if _, rerr := c.Resume(ctx, suspended); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// ---

type ScopeOption func(*scopeOptions)

// WithScopeTransaction создает зону с указанной транзакцией. Текущая транзакция приостанавливается на время зоны.
func WithScopeTransaction(tx *Transaction) ScopeOption {
	internal.Assert(tx != nil, "#args")
	return func(options *scopeOptions) {
		options.tx = tx
		options.createScope = createTransactionScope
	}
}

// WithTxRequired создает зону либо с текущей транзакцией, либо с новой.
func WithTxRequired() ScopeOption {
	return func(options *scopeOptions) { options.createScope = createRequiresScope }
}

// WithRequiresNewTx создает зону с новой транзакцией. Текущая транзакция приостанавливается на время зоны.
func WithRequiresNewTx() ScopeOption {
	return func(options *scopeOptions) { options.createScope = createRequiresNewScope }
}

// WithSuppressTx создает зону без транзакции. Текущая транзакция приостанавливается на время зоны.
func WithSuppressTx() ScopeOption {
	return func(options *scopeOptions) { options.createScope = createSuppressScope }
}

type scopeOptions struct {
	tx          *Transaction
	createScope func(*Coordinator, context.Context, *scopeOptions) (context.Context, func() error, func() error)
}
