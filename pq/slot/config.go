package slot

import (
	"errors"
	"fmt"
	"regexp"
	"strings"
)

// Plugin is the logical decoding plugin every slot managed by this engine is
// bound to. A slot created by another plugin is never reused.
const Plugin = "wal2json"

var slotNamePattern = regexp.MustCompile(`^[a-z0-9_]+$`)

type Config struct {
	// Name overrides the deterministic default slot name. Optional.
	Name              string `json:"name" yaml:"name"`
	CreateIfNotExists bool   `json:"createIfNotExists" yaml:"createIfNotExists"`
}

// ResolveName returns the explicit slot name or the deterministic default
// derived from the database name.
func (c Config) ResolveName(database string) string {
	if strings.TrimSpace(c.Name) != "" {
		return c.Name
	}
	return fmt.Sprintf("pgsync_%s", strings.ToLower(database))
}

// Validate checks the name the run will actually use, whether it came from
// the override or was derived from the database name. The name is
// interpolated into replication commands and must stay a safe identifier.
func (c Config) Validate(database string) error {
	if !slotNamePattern.MatchString(c.ResolveName(database)) {
		return errors.New("slot name may contain only lowercase letters, digits and underscores")
	}
	return nil
}
