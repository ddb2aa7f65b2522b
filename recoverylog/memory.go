package recoverylog

import (
	"context"
	"sync"
)

// MemoryLog - журнал в памяти процесса. Годится для встраивания без требований к долговечности и для тестов:
// один экземпляр, переданный двум координаторам подряд, моделирует перезапуск процесса.
type MemoryLog struct {
	mu      sync.Mutex
	ix      *index
	history []*Record
	closed  bool
}

func NewMemoryLog() *MemoryLog {
	return &MemoryLog{ix: newIndex()}
}

func (l *MemoryLog) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, err := rec.MarshalBinary(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.history = append(l.history, rec.Clone())
	l.ix.apply(rec)
	return nil
}

func (l *MemoryLog) Pending(ctx context.Context) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.ix.snapshot(), nil
}

// Checkpoint отбрасывает историю, оставляя по записи на незавершенную транзакцию.
func (l *MemoryLog) Checkpoint(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	l.history = l.ix.snapshot()
	return nil
}

// Records возвращает копию всех записей с последней контрольной точки в порядке дописывания.
func (l *MemoryLog) Records() []*Record {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*Record, 0, len(l.history))
	for _, rec := range l.history {
		out = append(out, rec.Clone())
	}
	return out
}

// Close закрывает журнал. Закрытый журнал можно снова открыть через Reopen.
func (l *MemoryLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}

// Reopen снимает признак закрытия, сохраняя содержимое.
func (l *MemoryLog) Reopen() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = false
}
