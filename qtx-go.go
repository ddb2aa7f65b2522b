package qtx

import (
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

var (
	ErrTxError          = errors.New("#TX_ILLEGAL_STATE")
	ErrTxAborted        = fmt.Errorf("#TX_ABORTED: %w", ErrTxError)
	ErrTxRolledBack     = fmt.Errorf("#TX_ROLLED_BACK: %w", ErrTxAborted)
	ErrTxTimedOut       = fmt.Errorf("#TX_TIMED_OUT: %w", ErrTxRolledBack)
	ErrTxHeuristic      = errors.New("#TX_HEURISTIC")
	ErrInvalidOperation = errors.New("#TX_INVALID_OPERATION")

	// ErrNotSupported - вложенная транзакция при выключенной поддержке вложенности.
	ErrNotSupported = fmt.Errorf("#TX_NOT_SUPPORTED: %w", ErrInvalidOperation)
	// ErrNoTransaction - операция требует текущую транзакцию, а ее нет.
	ErrNoTransaction = fmt.Errorf("#TX_NO_TRANSACTION: %w", ErrTxError)
	// ErrIllegalEnlistment - присоединение ресурса недопустимо в текущем состоянии.
	ErrIllegalEnlistment = fmt.Errorf("#TX_ILLEGAL_ENLISTMENT: %w", ErrTxError)

	ErrNoCurrentInvocation    = errors.New("#TX_NO_CURRENT_INVOCATION")
	ErrInvalidInvocationOrder = errors.New("#TX_INVALID_INVOCATION_ORDER")

	// ErrServiceUnavailable - координатор заморожен или останавливается.
	ErrServiceUnavailable = errors.New("#TX_SERVICE_UNAVAILABLE")
)

type contextKey[T any] struct{}

// ResourceFailure - отказ одного участника на фазе фиксации 2PC.
type ResourceFailure struct {
	Resource ResourceID
	Cause    error
}

// HeuristicError сообщает о частичной фиксации: решение о фиксации уже принято, но часть участников его не
// исполнила. Такие транзакции разбираются административно, повторно автоматически не проводятся.
type HeuristicError struct {
	TxID     uuid.UUID
	Failures []ResourceFailure
}

func (e *HeuristicError) Error() string {
	var sb strings.Builder
	sb.WriteString(ErrTxHeuristic.Error())
	sb.WriteString(": tx ")
	sb.WriteString(e.TxID.String())
	for i, f := range e.Failures {
		if i == 0 {
			sb.WriteString(": ")
		} else {
			sb.WriteString("; ")
		}
		fmt.Fprintf(&sb, "%s: %v", f.Resource, f.Cause)
	}
	return sb.String()
}

func (e *HeuristicError) Is(target error) bool {
	return target == ErrTxHeuristic
}

func (e *HeuristicError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		errs = append(errs, f.Cause)
	}
	return errs
}

func abortedBy(cause error) error {
	switch {
	case cause == nil:
		return ErrTxAborted
	case errors.Is(cause, ErrTxAborted):
		return cause
	default:
		return fmt.Errorf("%w: %w", ErrTxAborted, cause)
	}
}
