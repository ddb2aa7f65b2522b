package qtx

import "sync"

// ComponentKind - вид компонента, вызов которого описывает кадр.
type ComponentKind int

const (
	ComponentUnknown ComponentKind = iota
	ComponentBean
	ComponentServlet
	ComponentApplicationClient
	// ComponentTxBoundary - кадр, созданный самим координатором в Begin/Resume.
	ComponentTxBoundary
)

// InvocationFrame - кадр вызова компонента.
type InvocationFrame struct {
	// Instance - экземпляр компонента, непрозрачен для координатора.
	Instance any
	Kind     ComponentKind
	// Transaction - транзакция, связанная с вызовом, или nil.
	Transaction *Transaction
	// Completing выставляется контейнером, пока вызов завершает свою транзакцию.
	Completing bool
	// TxOpsManager - диспетчер транзакционных операций контейнера, непрозрачен для координатора.
	TxOpsManager any
}

// InvocationStack - стек кадров вызова одной логической цепочки вызовов. Переносится в context.Context
// (см. [WithInvocationStack]) вместо thread-local состояния.
//
// Кадры снимаются строго в обратном порядке.
type InvocationStack struct {
	mu     sync.Mutex
	frames []*InvocationFrame
}

// NewInvocationStack возвращает пустой стек.
func NewInvocationStack() *InvocationStack {
	return &InvocationStack{}
}

// PreInvoke помещает кадр на вершину стека.
func (s *InvocationStack) PreInvoke(frame *InvocationFrame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.frames = append(s.frames, frame)
}

// PostInvoke снимает кадр с вершины стека.
//
// Возвращает ErrInvalidInvocationOrder если frame не на вершине и ErrNoCurrentInvocation если стек пуст.
func (s *InvocationStack) PostInvoke(frame *InvocationFrame) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(s.frames)
	if n == 0 {
		return ErrNoCurrentInvocation
	}
	if s.frames[n-1] != frame {
		return ErrInvalidInvocationOrder
	}
	s.frames[n-1] = nil
	s.frames = s.frames[:n-1]
	return nil
}

// CurrentInvocation возвращает кадр на вершине стека или ErrNoCurrentInvocation.
func (s *InvocationStack) CurrentInvocation() (*InvocationFrame, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil, ErrNoCurrentInvocation
	}
	return s.frames[len(s.frames)-1], nil
}

func (s *InvocationStack) IsEmpty() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) == 0
}

// Depth - число кадров в стеке.
func (s *InvocationStack) Depth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames)
}

func (s *InvocationStack) currentTransaction() *Transaction {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil
	}
	return s.frames[len(s.frames)-1].Transaction
}

// swapTop заменяет транзакцию кадра на вершине. Возвращает прежнюю транзакцию и false, если стек пуст.
func (s *InvocationStack) swapTop(tx *Transaction) (*Transaction, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.frames) == 0 {
		return nil, false
	}
	top := s.frames[len(s.frames)-1]
	prev := top.Transaction
	top.Transaction = tx
	return prev, true
}
