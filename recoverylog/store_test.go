package recoverylog

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap/zaptest"
)

// store - общий контракт хранилищ журнала.
type store interface {
	Append(ctx context.Context, rec *Record) error
	Pending(ctx context.Context) ([]*Record, error)
	Checkpoint(ctx context.Context) error
	Close() error
}

// stores возвращает фабрики хранилищ. Каждый вызов open открывает хранилище заново поверх тех же данных.
func stores() map[string]func(t *testing.T) func() store {
	return map[string]func(t *testing.T) func() store{
		"memory": func(t *testing.T) func() store {
			l := NewMemoryLog()
			return func() store {
				l.Reopen()
				return l
			}
		},
		"file": func(t *testing.T) func() store {
			dir := t.TempDir()
			return func() store {
				l, err := OpenFile(dir, WithLogger(zaptest.NewLogger(t)))
				if err != nil {
					t.Fatal(err)
				}
				return l
			}
		},
		"bolt": func(t *testing.T) func() store {
			path := filepath.Join(t.TempDir(), "qtx.db")
			return func() store {
				l, err := OpenBolt(path)
				if err != nil {
					t.Fatal(err)
				}
				return l
			}
		},
	}
}

func prepared(txID string, ids ...string) *Record {
	rec := &Record{TxID: txID, Outcome: OutcomePrepared, Timestamp: time.Now()}
	for i, id := range ids {
		rec.Participants = append(rec.Participants, Participant{ResourceID: id, BranchID: txID + "." + string(rune('1'+i))})
	}
	return rec
}

func decided(txID string, outcome Outcome) *Record {
	return &Record{TxID: txID, Outcome: outcome, Timestamp: time.Now()}
}

func appendAll(t *testing.T, l store, recs ...*Record) {
	t.Helper()
	for _, rec := range recs {
		if err := l.Append(t.Context(), rec); err != nil {
			t.Fatal(err)
		}
	}
}

func TestStore(t *testing.T) {
	for name, factory := range stores() {
		t.Run(name, func(t *testing.T) {
			t.Run("Незавершенные записи переживают повторное открытие", func(t *testing.T) {
				assert_ := assert.New(t)
				open := factory(t)
				target := open()
				appendAll(t, target,
					prepared("tx-1", "db", "jms"),
					prepared("tx-2", "db"),
					decided("tx-1", OutcomeCompleted),
					prepared("tx-3", "db"),
					decided("tx-3", OutcomeHeuristic),
				)
				assert_.NoError(target.Close())

				// Act
				target = open()
				act, actErr := target.Pending(t.Context())

				assert_.NoError(actErr)
				assert_.Equal([]string{"tx-2", "tx-3"}, txIDs(act))
				assert_.Equal(OutcomeHeuristic, act[1].Outcome)
				assert_.NoError(target.Close())
			})

			t.Run("Контрольная точка сохраняет незавершенные записи", func(t *testing.T) {
				assert_ := assert.New(t)
				open := factory(t)
				target := open()
				appendAll(t, target,
					prepared("tx-1", "db", "jms"),
					decided("tx-1", OutcomeRollbackDecided),
					prepared("tx-2", "db"),
					decided("tx-2", OutcomeCompleted),
				)

				// Act
				actErr := target.Checkpoint(t.Context())

				assert_.NoError(actErr)
				appendAll(t, target, prepared("tx-4", "db"))
				assert_.NoError(target.Close())
				target = open()
				act, err := target.Pending(t.Context())
				assert_.NoError(err)
				assert_.Equal([]string{"tx-1", "tx-4"}, txIDs(act))
				assert_.Equal(OutcomeRollbackDecided, act[0].Outcome)
				assert_.Len(act[0].Participants, 2)
				assert_.NoError(target.Close())
			})

			t.Run("Закрытое хранилище возвращает ErrClosed", func(t *testing.T) {
				assert_ := assert.New(t)
				target := factory(t)()
				assert_.NoError(target.Close())

				// Act
				actErr1 := target.Append(t.Context(), prepared("tx-1", "db"))
				_, actErr2 := target.Pending(t.Context())
				actErr3 := target.Checkpoint(t.Context())

				assert_.ErrorIs(actErr1, ErrClosed)
				assert_.ErrorIs(actErr2, ErrClosed)
				assert_.ErrorIs(actErr3, ErrClosed)
				assert_.NoError(target.Close())
			})

			t.Run("Не дописывает запись по отмененному контексту", func(t *testing.T) {
				assert_ := assert.New(t)
				target := factory(t)()
				defer target.Close()
				ctx, cancel := context.WithCancel(t.Context())
				cancel()

				// Act
				actErr := target.Append(ctx, prepared("tx-1", "db"))

				assert_.ErrorIs(actErr, context.Canceled)
				act, _ := target.Pending(t.Context())
				assert_.Empty(act)
			})
		})
	}
}

// ---

func TestMemoryLog_Checkpoint(t *testing.T) {
	assert_ := assert.New(t)
	target := NewMemoryLog()
	appendAll(t, target,
		prepared("tx-1", "db", "jms"),
		decided("tx-1", OutcomeCompleted),
		prepared("tx-2", "db", "jms"),
	)
	assert_.Len(target.Records(), 3)

	// Act
	actErr := target.Checkpoint(t.Context())

	assert_.NoError(actErr)
	assert_.Equal([]string{"tx-2"}, txIDs(target.Records()))
}

// ---

func segments(t *testing.T, dir string) []string {
	t.Helper()
	names, err := filepath.Glob(filepath.Join(dir, segmentPrefix+"*"+segmentSuffix))
	if err != nil {
		t.Fatal(err)
	}
	return names
}

func TestFileLog(t *testing.T) {
	t.Run("Отрезает оборванный хвост последнего сегмента", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir)
		assert_.NoError(err)
		appendAll(t, target, prepared("tx-1", "db", "jms"))
		assert_.NoError(target.Close())
		path := segments(t, dir)[0]
		info, _ := os.Stat(path)
		good := info.Size()
		f, _ := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0)
		_, _ = f.Write([]byte{42, 0, 0})
		assert_.NoError(f.Close())

		// Act
		target, actErr := OpenFile(dir, WithLogger(zaptest.NewLogger(t)))

		assert_.NoError(actErr)
		defer target.Close()
		act, _ := target.Pending(t.Context())
		assert_.Equal([]string{"tx-1"}, txIDs(act))
		info, _ = os.Stat(path)
		assert_.Equal(good, info.Size())
		appendAll(t, target, prepared("tx-2", "db"))
		act, _ = target.Pending(t.Context())
		assert_.Equal([]string{"tx-1", "tx-2"}, txIDs(act))
	})

	t.Run("Отбрасывает последнюю запись с неверной контрольной суммой", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir)
		assert_.NoError(err)
		appendAll(t, target, prepared("tx-1", "db"), prepared("tx-2", "db"))
		assert_.NoError(target.Close())
		path := segments(t, dir)[0]
		data, _ := os.ReadFile(path)
		data[len(data)-1] ^= 0xff
		assert_.NoError(os.WriteFile(path, data, 0o644))

		// Act
		target, actErr := OpenFile(dir)

		assert_.NoError(actErr)
		defer target.Close()
		act, _ := target.Pending(t.Context())
		assert_.Equal([]string{"tx-1"}, txIDs(act))
	})

	t.Run("Запись после неудачной ложится сразу за подтвержденными", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir)
		assert_.NoError(err)
		appendAll(t, target, prepared("tx-1", "db"))
		// Остаток оборванной записи за последним подтвержденным кадром
		_, err = target.file.WriteAt([]byte{42, 0, 0, 0, 1, 2}, target.offset)
		assert_.NoError(err)

		// Act
		appendAll(t, target, prepared("tx-2", "db"))

		assert_.NoError(target.Close())
		target, err = OpenFile(dir)
		assert_.NoError(err)
		defer target.Close()
		act, _ := target.Pending(t.Context())
		assert_.Equal([]string{"tx-1", "tx-2"}, txIDs(act))
	})

	t.Run("Неудачная запись не подтверждается", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir)
		assert_.NoError(err)
		appendAll(t, target, prepared("tx-1", "db"))
		assert_.NoError(target.file.Close())

		// Act
		actErr := target.Append(t.Context(), prepared("tx-2", "db"))

		assert_.Error(actErr)
		act, _ := target.Pending(t.Context())
		assert_.Equal([]string{"tx-1"}, txIDs(act))
		assert_.ErrorIs(target.Append(t.Context(), prepared("tx-3", "db")), target.failed)
		assert_.Error(target.Checkpoint(t.Context()))
	})

	t.Run("Открывает следующий сегмент по достижении размера", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir, WithSegmentSize(64))
		assert_.NoError(err)

		// Act
		appendAll(t, target, prepared("tx-1", "db"), prepared("tx-2", "db"), prepared("tx-3", "db"))

		assert_.Len(segments(t, dir), 3)
		appendAll(t, target, decided("tx-2", OutcomeCompleted))
		assert_.NoError(target.Close())
		target, err = OpenFile(dir, WithSegmentSize(64))
		assert_.NoError(err)
		defer target.Close()
		act, _ := target.Pending(t.Context())
		assert_.Equal([]string{"tx-1", "tx-3"}, txIDs(act))
	})

	t.Run("Контрольная точка удаляет прежние сегменты", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir, WithSegmentSize(64))
		assert_.NoError(err)
		defer target.Close()
		appendAll(t, target,
			prepared("tx-1", "db"),
			decided("tx-1", OutcomeCompleted),
			prepared("tx-2", "db"),
		)

		// Act
		actErr := target.Checkpoint(t.Context())

		assert_.NoError(actErr)
		names := segments(t, dir)
		assert_.Len(names, 1)
		assert_.Equal(target.segmentPath(target.segmentID), names[0])
	})

	t.Run("Испорченный сегмент не в конце журнала - ошибка открытия", func(t *testing.T) {
		assert_ := assert.New(t)
		dir := t.TempDir()
		target, err := OpenFile(dir, WithSegmentSize(64))
		assert_.NoError(err)
		appendAll(t, target, prepared("tx-1", "db"), prepared("tx-2", "db"))
		assert_.NoError(target.Close())
		path := segments(t, dir)[0]
		data, _ := os.ReadFile(path)
		data[len(data)-1] ^= 0xff
		assert_.NoError(os.WriteFile(path, data, 0o644))

		// Act
		_, actErr := OpenFile(dir)

		assert_.ErrorIs(actErr, ErrCorruptRecord)
	})
}
