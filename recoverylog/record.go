// Package recoverylog - долговременный журнал решений координатора: какие транзакции прошли фазу подготовки 2PC
// и к какому исходу фазы фиксации они пришли. Журнал только дополняется. При открытии любое хранилище сворачивает
// записи транзакции до последнего состояния, так что восстановлению при старте достаточно незавершенных записей.
package recoverylog

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"math"
	"sort"
	"time"

	"github.com/pkg/errors"
)

var (
	// ErrCorruptRecord - контрольная сумма или формат записи не сходятся.
	ErrCorruptRecord = errors.New("recoverylog: corrupt record")
	// ErrTornRecord - запись оборвана, как правило аварией во время дописывания.
	ErrTornRecord = errors.New("recoverylog: torn record")
	// ErrClosed - журнал закрыт.
	ErrClosed = errors.New("recoverylog: closed")
)

// Outcome - метка фазы записи.
type Outcome byte

const (
	// OutcomePrepared - все участники проголосовали за фиксацию, исхода фазы фиксации еще нет.
	OutcomePrepared Outcome = iota + 1
	// OutcomeRollbackDecided - решение об отмене принято уже после записи о подготовке.
	OutcomeRollbackDecided
	// OutcomeHeuristic - фаза фиксации не удалась у перечисленных участников, нужен административный разбор.
	OutcomeHeuristic
	// OutcomeCompleted - все участники подтвердили фазу фиксации.
	OutcomeCompleted
)

func (o Outcome) String() string {
	switch o {
	case OutcomePrepared:
		return "prepared"
	case OutcomeRollbackDecided:
		return "rollback-decided"
	case OutcomeHeuristic:
		return "heuristic"
	case OutcomeCompleted:
		return "completed"
	}
	return "unknown"
}

// Participant - ветвь транзакции в записи.
type Participant struct {
	ResourceID string
	BranchID   string
	// LastAgent - участник без XA, фиксируемый по SPC после записи о подготовке. Восстановление его не проводит.
	LastAgent bool
}

// Record - запись журнала.
type Record struct {
	TxID         string
	Outcome      Outcome
	Participants []Participant
	Timestamp    time.Time
}

// Clone возвращает глубокую копию r.
func (r *Record) Clone() *Record {
	c := *r
	c.Participants = append([]Participant(nil), r.Participants...)
	return &c
}

const (
	recordVersion   = 1
	frameHeaderSize = 8
	maxPayloadSize  = 1 << 20
	flagLastAgent   = 1 << 0
)

// MarshalBinary кодирует r без кадра.
func (r *Record) MarshalBinary() ([]byte, error) {
	if r.TxID == "" {
		return nil, errors.New("recoverylog: record without tx id")
	}
	if len(r.Participants) > math.MaxUint16 {
		return nil, errors.Errorf("recoverylog: too many participants (%d)", len(r.Participants))
	}
	var buf bytes.Buffer
	buf.WriteByte(recordVersion)
	buf.WriteByte(byte(r.Outcome))
	_ = binary.Write(&buf, binary.LittleEndian, r.Timestamp.UnixNano())
	if err := writeString(&buf, r.TxID); err != nil {
		return nil, err
	}
	_ = binary.Write(&buf, binary.LittleEndian, uint16(len(r.Participants)))
	for _, p := range r.Participants {
		var flags byte
		if p.LastAgent {
			flags |= flagLastAgent
		}
		buf.WriteByte(flags)
		if err := writeString(&buf, p.ResourceID); err != nil {
			return nil, err
		}
		if err := writeString(&buf, p.BranchID); err != nil {
			return nil, err
		}
	}
	return buf.Bytes(), nil
}

// UnmarshalBinary декодирует результат MarshalBinary.
func (r *Record) UnmarshalBinary(data []byte) error {
	rd := bytes.NewReader(data)
	version, err := rd.ReadByte()
	if err != nil {
		return errors.Wrap(ErrCorruptRecord, "read version")
	}
	if version != recordVersion {
		return errors.Wrapf(ErrCorruptRecord, "unsupported version %d", version)
	}
	outcome, err := rd.ReadByte()
	if err != nil {
		return errors.Wrap(ErrCorruptRecord, "read outcome")
	}
	if outcome < byte(OutcomePrepared) || outcome > byte(OutcomeCompleted) {
		return errors.Wrapf(ErrCorruptRecord, "unknown outcome %d", outcome)
	}
	var nanos int64
	if err := binary.Read(rd, binary.LittleEndian, &nanos); err != nil {
		return errors.Wrap(ErrCorruptRecord, "read timestamp")
	}
	txID, err := readString(rd)
	if err != nil {
		return err
	}
	var count uint16
	if err := binary.Read(rd, binary.LittleEndian, &count); err != nil {
		return errors.Wrap(ErrCorruptRecord, "read participant count")
	}
	participants := make([]Participant, 0, count)
	for range count {
		flags, err := rd.ReadByte()
		if err != nil {
			return errors.Wrap(ErrCorruptRecord, "read participant flags")
		}
		id, err := readString(rd)
		if err != nil {
			return err
		}
		branch, err := readString(rd)
		if err != nil {
			return err
		}
		participants = append(participants, Participant{
			ResourceID: id,
			BranchID:   branch,
			LastAgent:  flags&flagLastAgent != 0,
		})
	}
	if rd.Len() != 0 {
		return errors.Wrapf(ErrCorruptRecord, "%d trailing bytes", rd.Len())
	}

	r.TxID = txID
	r.Outcome = Outcome(outcome)
	r.Timestamp = time.Unix(0, nanos)
	r.Participants = participants
	return nil
}

func writeString(buf *bytes.Buffer, s string) error {
	if len(s) > math.MaxUint16 {
		return errors.Errorf("recoverylog: string too long (%d bytes)", len(s))
	}
	_ = binary.Write(buf, binary.LittleEndian, uint16(len(s)))
	buf.WriteString(s)
	return nil
}

func readString(rd *bytes.Reader) (string, error) {
	var n uint16
	if err := binary.Read(rd, binary.LittleEndian, &n); err != nil {
		return "", errors.Wrap(ErrCorruptRecord, "read string length")
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return "", errors.Wrap(ErrCorruptRecord, "read string")
	}
	return string(b), nil
}

// appendFrame дописывает к dst кадр [len][crc32][payload].
func appendFrame(dst, payload []byte) []byte {
	var hdr [frameHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], uint32(len(payload)))
	binary.LittleEndian.PutUint32(hdr[4:8], crc32.ChecksumIEEE(payload))
	dst = append(dst, hdr[:]...)
	return append(dst, payload...)
}

// readFrame возвращает содержимое следующего кадра.
//
// Возвращает io.EOF на чистой границе, ErrTornRecord для неполного кадра и ErrCorruptRecord при несовпадении
// контрольной суммы.
func readFrame(rd *bufio.Reader) ([]byte, error) {
	var hdr [frameHeaderSize]byte
	n, err := io.ReadFull(rd, hdr[:])
	switch {
	case err == io.EOF:
		return nil, io.EOF
	case err != nil:
		return nil, errors.Wrapf(ErrTornRecord, "header: %d of %d bytes", n, frameHeaderSize)
	}
	size := binary.LittleEndian.Uint32(hdr[0:4])
	sum := binary.LittleEndian.Uint32(hdr[4:8])
	if size > maxPayloadSize {
		return nil, errors.Wrapf(ErrCorruptRecord, "payload size %d", size)
	}
	payload := make([]byte, size)
	if n, err := io.ReadFull(rd, payload); err != nil {
		return nil, errors.Wrapf(ErrTornRecord, "payload: %d of %d bytes", n, size)
	}
	if crc32.ChecksumIEEE(payload) != sum {
		return nil, errors.Wrap(ErrCorruptRecord, "checksum mismatch")
	}
	return payload, nil
}

// ---

// index сворачивает записи до последнего состояния транзакции и хранит только незавершенные.
type index struct {
	pending map[string]*Record
}

func newIndex() *index {
	return &index{pending: make(map[string]*Record)}
}

func (ix *index) apply(rec *Record) {
	switch rec.Outcome {
	case OutcomeCompleted:
		delete(ix.pending, rec.TxID)
	case OutcomePrepared:
		ix.pending[rec.TxID] = rec.Clone()
	case OutcomeRollbackDecided, OutcomeHeuristic:
		next := rec.Clone()
		if prev, ok := ix.pending[rec.TxID]; ok && len(next.Participants) == 0 {
			next.Participants = append([]Participant(nil), prev.Participants...)
		}
		ix.pending[rec.TxID] = next
	}
}

func (ix *index) snapshot() []*Record {
	out := make([]*Record, 0, len(ix.pending))
	for _, rec := range ix.pending {
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Timestamp.Equal(out[j].Timestamp) {
			return out[i].TxID < out[j].TxID
		}
		return out[i].Timestamp.Before(out[j].Timestamp)
	})
	return out
}
