package state

import (
	"github.com/vskurikhin/go-pg-sync/pq"
)

// Bookmark marks how far one stream's sync has progressed. Exactly one field
// group is set depending on the sync method; the zero value means "absent"
// (fast full-table scans persist nothing).
type Bookmark struct {
	LSN                 *pq.LSN `json:"lsn,omitempty"`
	ReplicationKey      string  `json:"replication_key,omitempty"`
	ReplicationKeyValue any     `json:"replication_key_value,omitempty"`
	OrderingCheckpoint  *int64  `json:"ordering_checkpoint,omitempty"`
}

func LSNBookmark(lsn pq.LSN) Bookmark {
	return Bookmark{LSN: &lsn}
}

func KeyBookmark(key string, value any) Bookmark {
	return Bookmark{ReplicationKey: key, ReplicationKeyValue: value}
}

func OrderingBookmark(checkpoint int64) Bookmark {
	return Bookmark{OrderingCheckpoint: &checkpoint}
}

func (b Bookmark) IsZero() bool {
	return b.LSN == nil && b.ReplicationKey == "" && b.ReplicationKeyValue == nil && b.OrderingCheckpoint == nil
}
