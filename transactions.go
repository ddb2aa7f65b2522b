package qtx

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

// ResourceID - идентичность ресурса, устойчивая между перезапусками процесса. По ней участник находится при
// восстановлении.
type ResourceID string

// Vote - голос участника на фазе подготовки 2PC.
type Vote int

const (
	VoteCommit Vote = iota
	VoteAbort
	// VoteReadOnly - изменений нет, участник исключается из фазы фиксации.
	VoteReadOnly
)

func (v Vote) String() string {
	switch v {
	case VoteCommit:
		return "commit"
	case VoteAbort:
		return "abort"
	case VoteReadOnly:
		return "readonly"
	}
	return fmt.Sprintf("vote(%d)", int(v))
}

// Resource - транзакционный ресурс, участник 2PC. Координатор не делает предположений о протоколе ресурса
// сверх этих глаголов.
type Resource interface {
	// Prepare голосует за исход транзакции. Ошибка равносильна голосу VoteAbort.
	Prepare(ctx context.Context) (Vote, error)
	// Commit фиксирует изменения. onePhase - фиксация без предварительной подготовки (SPC).
	Commit(ctx context.Context, onePhase bool) error
	// Rollback отменяет изменения.
	Rollback(ctx context.Context) error
	Identity() ResourceID
	// SupportsXA сообщает, поддерживает ли ресурс подготовку. Ресурс без XA фиксируется только по SPC и может быть
	// единственным таким участником транзакции.
	SupportsXA() bool
}

// UserConnectionCloser реализуется ресурсами, которые держат пользовательское соединение до завершения транзакции.
type UserConnectionCloser interface {
	CloseUserConnection() error
}

// Destroyer реализуется ресурсами, физическое соединение которых надо уничтожить после отказа.
type Destroyer interface {
	Destroy() error
}

// ResourceConnector восстанавливает связь с участником после перезапуска. Возвращаемый ресурс привязан к ветви
// xid: координатор вызывает у него только Commit(ctx, false) или Rollback.
type ResourceConnector interface {
	Reconnect(ctx context.Context, id ResourceID, xid Xid) (Resource, error)
}

// ResourceConnectorFunc адаптирует функцию к [ResourceConnector].
type ResourceConnectorFunc func(ctx context.Context, id ResourceID, xid Xid) (Resource, error)

func (f ResourceConnectorFunc) Reconnect(ctx context.Context, id ResourceID, xid Xid) (Resource, error) {
	return f(ctx, id, xid)
}

// Xid - идентификатор ветви транзакции: глобальный идентификатор транзакции плюс квалификатор ветви.
type Xid struct {
	Global uuid.UUID
	Branch uint32
}

func (x Xid) String() string {
	return fmt.Sprintf("%s.%d", x.Global, x.Branch)
}

// ParseXid разбирает строку, полученную из [Xid.String].
func ParseXid(s string) (Xid, error) {
	var (
		global string
		branch uint32
	)
	if len(s) < 38 || s[36] != '.' {
		return Xid{}, fmt.Errorf("#TX_BAD_XID: %q", s)
	}
	global = s[:36]
	if _, err := fmt.Sscanf(s[37:], "%d", &branch); err != nil {
		return Xid{}, fmt.Errorf("#TX_BAD_XID: %q: %w", s, err)
	}
	id, err := uuid.Parse(global)
	if err != nil {
		return Xid{}, fmt.Errorf("#TX_BAD_XID: %q: %w", s, err)
	}
	return Xid{Global: id, Branch: branch}, nil
}
