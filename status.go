package qtx

// Status - состояние транзакции.
type Status int32

const (
	StatusNoTransaction Status = iota
	StatusActive
	StatusMarkedRollback
	StatusPreparing
	StatusPrepared
	StatusCommitting
	StatusCommitted
	StatusRollingBack
	StatusRolledBack
)

var statusNames = [...]string{
	StatusNoTransaction:  "NO_TRANSACTION",
	StatusActive:         "ACTIVE",
	StatusMarkedRollback: "MARKED_ROLLBACK",
	StatusPreparing:      "PREPARING",
	StatusPrepared:       "PREPARED",
	StatusCommitting:     "COMMITTING",
	StatusCommitted:      "COMMITTED",
	StatusRollingBack:    "ROLLING_BACK",
	StatusRolledBack:     "ROLLED_BACK",
}

func (s Status) String() string {
	if s < 0 || int(s) >= len(statusNames) {
		return "UNKNOWN"
	}
	return statusNames[s]
}

// IsTerminal сообщает, что транзакция завершена и больше не меняет состояние.
func (s Status) IsTerminal() bool {
	return s == StatusCommitted || s == StatusRolledBack
}

// acceptsRegistrations - присоединения и синхронизации принимаются только до начала завершения.
func (s Status) acceptsRegistrations() bool {
	return s == StatusActive || s == StatusMarkedRollback
}
