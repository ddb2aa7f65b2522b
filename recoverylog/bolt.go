package recoverylog

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb/v2"
	"github.com/pkg/errors"
)

// BoltLog - журнал поверх хранилища журнала raft на bbolt. Каждая запись - отдельная запись raft.Log с
// возрастающим индексом; BoltDB фиксирует каждую вставку на диске.
type BoltLog struct {
	mu     sync.Mutex
	store  *raftboltdb.BoltStore
	last   uint64
	ix     *index
	closed bool
}

// OpenBolt открывает (или создает) журнал в файле path.
func OpenBolt(path string) (*BoltLog, error) {
	store, err := raftboltdb.NewBoltStore(path)
	if err != nil {
		return nil, errors.Wrapf(err, "open bolt store %s", path)
	}
	l := &BoltLog{store: store, ix: newIndex()}
	if err := l.load(); err != nil {
		store.Close()
		return nil, err
	}
	return l, nil
}

func (l *BoltLog) load() error {
	first, err := l.store.FirstIndex()
	if err != nil {
		return errors.Wrap(err, "read first index")
	}
	last, err := l.store.LastIndex()
	if err != nil {
		return errors.Wrap(err, "read last index")
	}
	l.last = last
	if last == 0 {
		return nil
	}
	for i := first; i <= last; i++ {
		var entry raft.Log
		if err := l.store.GetLog(i, &entry); err != nil {
			if errors.Is(err, raft.ErrLogNotFound) {
				continue
			}
			return errors.Wrapf(err, "read log %d", i)
		}
		var rec Record
		if err := rec.UnmarshalBinary(entry.Data); err != nil {
			return errors.Wrapf(err, "decode log %d", i)
		}
		l.ix.apply(&rec)
	}
	return nil
}

func (l *BoltLog) entry(rec *Record) (*raft.Log, error) {
	payload, err := rec.MarshalBinary()
	if err != nil {
		return nil, err
	}
	l.last++
	return &raft.Log{
		Index:      l.last,
		Term:       1,
		Type:       raft.LogCommand,
		Data:       payload,
		AppendedAt: time.Now(),
	}, nil
}

func (l *BoltLog) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	entry, err := l.entry(rec)
	if err != nil {
		return err
	}
	if err := l.store.StoreLog(entry); err != nil {
		l.last--
		return errors.Wrapf(err, "store log %d", entry.Index)
	}
	l.ix.apply(rec)
	return nil
}

func (l *BoltLog) Pending(ctx context.Context) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.ix.snapshot(), nil
}

// Checkpoint дописывает копии незавершенных записей и удаляет все предшествующие. Авария между двумя шагами
// оставляет дубликаты, которые свертка поглощает.
func (l *BoltLog) Checkpoint(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	first, err := l.store.FirstIndex()
	if err != nil {
		return errors.Wrap(err, "read first index")
	}
	obsolete := l.last

	pending := l.ix.snapshot()
	if len(pending) > 0 {
		entries := make([]*raft.Log, 0, len(pending))
		for _, rec := range pending {
			entry, err := l.entry(rec)
			if err != nil {
				l.last = obsolete
				return err
			}
			entries = append(entries, entry)
		}
		if err := l.store.StoreLogs(entries); err != nil {
			l.last = obsolete
			return errors.Wrap(err, "store checkpoint")
		}
	}
	if obsolete == 0 {
		return nil
	}
	return errors.Wrap(l.store.DeleteRange(first, obsolete), "delete obsolete logs")
}

func (l *BoltLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Wrap(l.store.Close(), "close bolt store")
}
