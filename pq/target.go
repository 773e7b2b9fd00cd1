package pq

import "fmt"

// TargetIdentity identifies one source database. It is the equality key for
// every per-target cache in the engine and must not change within a run.
type TargetIdentity struct {
	Host     string
	Database string
	Port     int
}

func (t TargetIdentity) String() string {
	return fmt.Sprintf("%s:%d/%s", t.Host, t.Port, t.Database)
}
