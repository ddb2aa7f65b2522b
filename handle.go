package qtx

import (
	"fmt"
	"sync"

	"github.com/qbixus/qtx-tm/internal"
)

// DelistFlag - причина отсоединения ресурса.
type DelistFlag int

const (
	// DelistSuccess завершает связь с вызовом. Ветвь остается участником транзакции.
	DelistSuccess DelistFlag = iota
	// DelistFail сообщает об отказе ресурса. Транзакция помечается для отмены.
	DelistFail
	// DelistSuspend приостанавливает ветвь. Приостановленный ресурс не разделяется до повторного присоединения.
	DelistSuspend
)

type handleState int

const (
	handleIdle handleState = iota
	handleEnlisted
	handleDelisted
)

// ResourceHandle - обертка транзакционного ресурса с состоянием присоединения. Создается слоем доступа к ресурсам
// при первом обращении компонента к ресурсу внутри транзакции.
type ResourceHandle struct {
	resource  Resource
	pool      string
	name      string
	shareable bool

	mu        sync.Mutex
	state     handleState
	suspended bool
	failed    bool
	tx        *Transaction
	xid       Xid
}

type HandleOption func(*ResourceHandle)

// WithShareable разрешает или запрещает разделение ресурса вложенными вызовами той же транзакции.
// По умолчанию ресурс разделяемый.
func WithShareable(shareable bool) HandleOption {
	return func(h *ResourceHandle) { h.shareable = shareable }
}

// WithHandleName задает имя для журналов. По умолчанию - идентичность ресурса.
func WithHandleName(name string) HandleOption {
	return func(h *ResourceHandle) { h.name = name }
}

// NewResourceHandle оборачивает ресурс пула pool.
func NewResourceHandle(pool string, res Resource, opts ...HandleOption) *ResourceHandle {
	internal.Assert(res != nil, "#args: res")
	h := &ResourceHandle{
		resource:  res,
		pool:      pool,
		name:      string(res.Identity()),
		shareable: true,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

func (h *ResourceHandle) Resource() Resource { return h.resource }
func (h *ResourceHandle) Name() string       { return h.name }
func (h *ResourceHandle) PoolID() string     { return h.pool }
func (h *ResourceHandle) IsShareable() bool  { return h.shareable }

func (h *ResourceHandle) IsSuspended() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.suspended
}

// IsEnlisted сообщает, связан ли ресурс с вызовом в транзакции прямо сейчас.
func (h *ResourceHandle) IsEnlisted() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state == handleEnlisted
}

// Transaction возвращает транзакцию, участником которой является ресурс, или nil.
func (h *ResourceHandle) Transaction() *Transaction {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.tx
}

// Xid возвращает идентификатор ветви. До присоединения - нулевой.
func (h *ResourceHandle) Xid() Xid {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.xid
}

// EnlistInTransaction реализует [Transaction.EnlistResource] для h.
func (h *ResourceHandle) EnlistInTransaction(tx *Transaction) (*ResourceHandle, error) {
	internal.Assert(tx != nil, "#args: tx")
	return tx.EnlistResource(h)
}

// DelistResource реализует [Transaction.DelistResource] для h.
func (h *ResourceHandle) DelistResource(tx *Transaction, flag DelistFlag) error {
	internal.Assert(tx != nil, "#args: tx")
	return tx.DelistResource(h, flag)
}

// CloseUserConnection закрывает пользовательское соединение, если ресурс его держит.
func (h *ResourceHandle) CloseUserConnection() error {
	if c, ok := h.resource.(UserConnectionCloser); ok {
		if err := c.CloseUserConnection(); err != nil {
			return fmt.Errorf("#TX_CLOSE_CONNECTION: %s: %w", h.name, err)
		}
	}
	return nil
}

// DestroyResource уничтожает физическое соединение, если ресурс это поддерживает.
func (h *ResourceHandle) DestroyResource() error {
	if d, ok := h.resource.(Destroyer); ok {
		if err := d.Destroy(); err != nil {
			return fmt.Errorf("#TX_DESTROY_RESOURCE: %s: %w", h.name, err)
		}
	}
	return nil
}

func (h *ResourceHandle) markFailed() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.failed = true
}

func (h *ResourceHandle) hasFailed() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.failed
}

// release разрывает связь с завершенной транзакцией.
func (h *ResourceHandle) release() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = handleIdle
	h.suspended = false
	h.failed = false
	h.tx = nil
}
