package recoverylog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	segmentPrefix = "rlog_"
	segmentSuffix = ".log"

	DefaultSegmentSize int64 = 16 << 20
)

// FileLog - журнал на файлах-сегментах в одном каталоге. Каждая запись пишется одним вызовом WriteAt в кадре
// с контрольной суммой и сбрасывается на диск до возврата из Append. Оборванная последняя запись (авария во время
// дописывания) отбрасывается при открытии.
type FileLog struct {
	dir         string
	segmentSize int64
	logger      *zap.Logger

	mu        sync.Mutex
	file      *os.File
	segmentID uint64
	offset    int64
	ix        *index
	closed    bool
	// failed - причина, по которой журнал больше не принимает записи.
	failed error
}

type FileOption func(*FileLog)

// WithSegmentSize задает размер сегмента, после которого открывается следующий.
func WithSegmentSize(size int64) FileOption {
	return func(l *FileLog) { l.segmentSize = size }
}

func WithLogger(logger *zap.Logger) FileOption {
	return func(l *FileLog) { l.logger = logger }
}

// OpenFile открывает (или создает) журнал в каталоге dir и читает все его сегменты.
func OpenFile(dir string, opts ...FileOption) (*FileLog, error) {
	l := &FileLog{
		dir:         dir,
		segmentSize: DefaultSegmentSize,
		logger:      zap.NewNop(),
		ix:          newIndex(),
	}
	for _, opt := range opts {
		opt(l)
	}
	if l.segmentSize <= 0 {
		l.segmentSize = DefaultSegmentSize
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create log directory %s", dir)
	}
	segments, err := l.listSegments()
	if err != nil {
		return nil, err
	}
	for i, id := range segments {
		if err := l.loadSegment(id, i == len(segments)-1); err != nil {
			return nil, err
		}
	}

	l.segmentID = 1
	if len(segments) > 0 {
		l.segmentID = segments[len(segments)-1]
	}
	if err := l.openSegment(); err != nil {
		return nil, err
	}

	l.logger.Info("recovery log opened",
		zap.String("dir", dir),
		zap.Int("segments", len(segments)),
		zap.Int("pending", len(l.ix.pending)))
	return l, nil
}

func (l *FileLog) segmentPath(id uint64) string {
	return filepath.Join(l.dir, fmt.Sprintf("%s%05d%s", segmentPrefix, id, segmentSuffix))
}

// listSegments возвращает идентификаторы сегментов по возрастанию.
func (l *FileLog) listSegments() ([]uint64, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, errors.Wrapf(err, "read log directory %s", l.dir)
	}
	var ids []uint64
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		id, err := strconv.ParseUint(strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix), 10, 64)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

// loadSegment сворачивает записи сегмента в индекс. Испорченный хвост допускается только в последнем сегменте и
// отрезается.
func (l *FileLog) loadSegment(id uint64, last bool) error {
	path := l.segmentPath(id)
	f, err := os.Open(path)
	if err != nil {
		return errors.Wrapf(err, "open segment %s", path)
	}
	defer f.Close()

	rd := bufio.NewReader(f)
	var good int64
	for {
		payload, err := readFrame(rd)
		if err == io.EOF {
			return nil
		}
		if err == nil {
			var rec Record
			err = rec.UnmarshalBinary(payload)
			if err == nil {
				l.ix.apply(&rec)
				good += int64(frameHeaderSize + len(payload))
				continue
			}
		}
		if !last {
			return errors.Wrapf(err, "segment %s at offset %d", path, good)
		}
		l.logger.Warn("truncating damaged recovery log tail",
			zap.String("segment", path),
			zap.Int64("offset", good),
			zap.Error(err))
		if terr := os.Truncate(path, good); terr != nil {
			return errors.Wrapf(terr, "truncate segment %s", path)
		}
		return nil
	}
}

func (l *FileLog) openSegment() error {
	path := l.segmentPath(l.segmentID)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return errors.Wrapf(err, "open segment %s", path)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return errors.Wrapf(err, "stat segment %s", path)
	}
	if err := syncDir(l.dir); err != nil {
		f.Close()
		return err
	}
	l.file = f
	l.offset = info.Size()
	return nil
}

// Append дописывает запись и дожидается ее сброса на диск.
func (l *FileLog) Append(ctx context.Context, rec *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	payload, err := rec.MarshalBinary()
	if err != nil {
		return err
	}
	frame := appendFrame(nil, payload)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.failed != nil {
		return l.failed
	}
	if l.offset > 0 && l.offset+int64(len(frame)) > l.segmentSize {
		if err := l.rollSegment(); err != nil {
			return err
		}
	}
	if err := l.write(frame); err != nil {
		return err
	}
	l.ix.apply(rec)
	return nil
}

// write пишет кадр с текущего смещения сегмента. Неудачная запись отрезается, чтобы следующий кадр лег сразу за
// последним подтвержденным. Если отрезать не удалось, журнал перестает принимать записи.
func (l *FileLog) write(frame []byte) error {
	_, err := l.file.WriteAt(frame, l.offset)
	if err != nil {
		err = errors.Wrapf(err, "write segment %d", l.segmentID)
	} else if err = l.file.Sync(); err != nil {
		err = errors.Wrapf(err, "sync segment %d", l.segmentID)
	}
	if err != nil {
		if terr := l.file.Truncate(l.offset); terr != nil {
			l.failed = errors.Wrapf(terr, "truncate segment %d after failed write", l.segmentID)
			l.logger.Error("recovery log is unusable", zap.Error(l.failed))
		}
		return err
	}
	l.offset += int64(len(frame))
	return nil
}

func (l *FileLog) rollSegment() error {
	if err := l.file.Close(); err != nil {
		return errors.Wrapf(err, "close segment %d", l.segmentID)
	}
	l.segmentID++
	l.logger.Debug("rolling recovery log segment", zap.Uint64("segment", l.segmentID))
	return l.openSegment()
}

func (l *FileLog) Pending(ctx context.Context) ([]*Record, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil, ErrClosed
	}
	return l.ix.snapshot(), nil
}

// Checkpoint переписывает незавершенные записи в новый сегмент и удаляет прежние сегменты.
func (l *FileLog) Checkpoint(ctx context.Context) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return ErrClosed
	}
	if l.failed != nil {
		return l.failed
	}

	var buf []byte
	pending := l.ix.snapshot()
	for _, rec := range pending {
		payload, err := rec.MarshalBinary()
		if err != nil {
			return err
		}
		buf = appendFrame(buf, payload)
	}

	obsolete := l.segmentID
	if err := l.rollSegment(); err != nil {
		return err
	}
	if len(buf) > 0 {
		if err := l.write(buf); err != nil {
			return err
		}
	}

	segments, err := l.listSegments()
	if err != nil {
		return err
	}
	for _, id := range segments {
		if id > obsolete {
			break
		}
		if err := os.Remove(l.segmentPath(id)); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "remove segment %d", id)
		}
	}
	l.logger.Info("recovery log checkpoint",
		zap.Uint64("segment", l.segmentID),
		zap.Int("pending", len(pending)))
	return syncDir(l.dir)
}

func (l *FileLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	return errors.Wrap(l.file.Close(), "close recovery log")
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return errors.Wrapf(err, "open directory %s", dir)
	}
	defer d.Close()
	if err := d.Sync(); err != nil {
		return errors.Wrapf(err, "sync directory %s", dir)
	}
	return nil
}
