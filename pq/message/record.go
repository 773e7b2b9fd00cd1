package message

import (
	"fmt"
	"time"

	"github.com/vskurikhin/go-pg-sync/pq"
)

const (
	InsertOp Operation = "insert"
	UpdateOp Operation = "update"
	DeleteOp Operation = "delete"
)

type Operation string

// ChangeRecord is one decoded unit of change, produced from one wal2json row
// change or one scanned row. Immutable once produced.
type ChangeRecord struct {
	MessageTime time.Time
	Values      map[string]any
	OldKeys     map[string]any
	Namespace   string
	Table       string
	Operation   Operation
	Position    pq.LSN
}

// StreamID is the logical stream identity records and bookmarks are keyed by.
func (r *ChangeRecord) StreamID() string {
	return fmt.Sprintf("%s.%s", r.Namespace, r.Table)
}
