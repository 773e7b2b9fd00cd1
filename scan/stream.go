package scan

import "fmt"

const (
	// FullTable scans the whole table; ordered unless fast sync is on.
	FullTable Mode = "full_table"
	// Incremental scans rows whose replication key advanced past the
	// bookmark.
	Incremental Mode = "incremental"
	// LogBased streams are synced by the replication consumer, not the
	// cursor scanner.
	LogBased Mode = "log_based"
)

type Mode string

// Stream describes one logical stream to sync. Catalog discovery is the
// caller's concern; ColumnTypes carries the declared types of composite
// columns so values can be routed through the type decoding subsystem.
type Stream struct {
	ColumnTypes    map[string]string
	Namespace      string
	Name           string
	ReplicationKey string
	Mode           Mode
}

func (s Stream) ID() string {
	return fmt.Sprintf("%s.%s", s.Namespace, s.Name)
}
