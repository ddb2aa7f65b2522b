package qtx

import (
	"context"
)

// WithInvocationStack возвращает производный контекст с новым пустым стеком вызовов. Если в ctx стек уже есть,
// ctx возвращается как есть.
func WithInvocationStack(ctx context.Context) context.Context {
	if InvocationStackFrom(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, contextKey[*InvocationStack]{}, NewInvocationStack())
}

// InvocationStackFrom возвращает стек вызовов ctx или nil.
func InvocationStackFrom(ctx context.Context) *InvocationStack {
	stack, ok := ctx.Value(contextKey[*InvocationStack]{}).(*InvocationStack)
	if !ok {
		return nil
	}
	return stack
}

// CurrentTransaction возвращает транзакцию текущего вызова. Вне транзакции возвращает nil.
func CurrentTransaction(ctx context.Context) *Transaction {
	stack := InvocationStackFrom(ctx)
	if stack == nil {
		return nil
	}
	return stack.currentTransaction()
}
