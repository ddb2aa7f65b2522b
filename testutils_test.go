package qtx

import (
	"context"
	"sync"
	"testing"

	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
	"go.uber.org/zap/zaptest"

	"github.com/qbixus/qtx-tm/recoverylog"
)

// newTestCoordinator создает и запускает координатор поверх log. Без log используется журнал в памяти.
func newTestCoordinator(t *testing.T, log RecoveryLog, opts ...Option) *Coordinator {
	t.Helper()
	if log == nil {
		log = recoverylog.NewMemoryLog()
	}
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(log, opts...)
	if err != nil {
		t.Fatal(err)
	}
	if err := c.Start(t.Context()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { shutdownNow(c) })
	return c
}

// shutdownNow останавливает координатор, не дожидаясь транзакций, оставленных тестом незавершенными.
func shutdownNow(c *Coordinator) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_ = c.Shutdown(ctx)
}

func begin(t *testing.T, c *Coordinator) (context.Context, *Transaction) {
	t.Helper()
	ctx, tx, err := c.Begin(t.Context(), 0)
	if err != nil {
		t.Fatal(err)
	}
	return ctx, tx
}

func newMockResource(t *testing.T, id ResourceID, xa bool) *MockResource {
	res := NewMockResource(t)
	res.EXPECT().Identity().Return(id).Maybe()
	res.EXPECT().SupportsXA().Return(xa).Maybe()
	return res
}

// enlist присоединяет res к tx в собственном пуле ресурса.
func enlist(t *testing.T, tx *Transaction, res Resource, opts ...HandleOption) *ResourceHandle {
	t.Helper()
	h, err := tx.EnlistResource(NewResourceHandle("pool:"+string(res.Identity()), res, opts...))
	if err != nil {
		t.Fatal(err)
	}
	return h
}

func outcomes(recs []*recoverylog.Record) []recoverylog.Outcome {
	out := make([]recoverylog.Outcome, 0, len(recs))
	for _, rec := range recs {
		out = append(out, rec.Outcome)
	}
	return out
}

// ---

// faultyLog - журнал, отказы которого задаются тестом.
type faultyLog struct {
	RecoveryLog

	mu         sync.Mutex
	appendErr  error
	pendingErr error
}

func newFaultyLog() *faultyLog {
	return &faultyLog{RecoveryLog: recoverylog.NewMemoryLog()}
}

func (l *faultyLog) fail(appendErr, pendingErr error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.appendErr, l.pendingErr = appendErr, pendingErr
}

func (l *faultyLog) Append(ctx context.Context, rec *recoverylog.Record) error {
	l.mu.Lock()
	err := l.appendErr
	l.mu.Unlock()
	if err != nil {
		return err
	}
	return l.RecoveryLog.Append(ctx, rec)
}

func (l *faultyLog) Pending(ctx context.Context) ([]*recoverylog.Record, error) {
	l.mu.Lock()
	err := l.pendingErr
	l.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return l.RecoveryLog.Pending(ctx)
}

// ---

type alertSink struct {
	mu     sync.Mutex
	alerts []Alert
}

func (s *alertSink) alert(a Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
}

func (s *alertSink) all() []Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Alert(nil), s.alerts...)
}

// ---

// closingResource - ресурс с пользовательским соединением и уничтожаемым физическим соединением.
type closingResource struct {
	*MockResource

	mu        sync.Mutex
	closed    int
	destroyed int
}

func (r *closingResource) CloseUserConnection() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed++
	return nil
}

func (r *closingResource) Destroy() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.destroyed++
	return nil
}

func (r *closingResource) counts() (closed, destroyed int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed, r.destroyed
}

// ---

// sumOf возвращает значение целочисленной суммы name из последнего сбора reader.
func sumOf(t *testing.T, reader sdkmetric.Reader, name string) int64 {
	t.Helper()
	var rm metricdata.ResourceMetrics
	if err := reader.Collect(t.Context(), &rm); err != nil {
		t.Fatal(err)
	}
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			if sum, ok := m.Data.(metricdata.Sum[int64]); ok {
				for _, dp := range sum.DataPoints {
					total += dp.Value
				}
			}
		}
	}
	return total
}
