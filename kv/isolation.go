package kv

import (
	"strings"

	"github.com/cockroachdb/errors"
)

// IsolationLevel bounds which anomalies a transaction may observe.
type IsolationLevel int

// The zero value means "unspecified" and resolves to the manager default.
const (
	ReadUncommitted IsolationLevel = iota + 1
	ReadCommitted
	RepeatableRead
	Serializable
)

var isolationNames = map[IsolationLevel]string{
	ReadUncommitted: "READ_UNCOMMITTED",
	ReadCommitted:   "READ_COMMITTED",
	RepeatableRead:  "REPEATABLE_READ",
	Serializable:    "SERIALIZABLE",
}

func (l IsolationLevel) String() string {
	if s, ok := isolationNames[l]; ok {
		return s
	}
	return "UNKNOWN"
}

func (l IsolationLevel) Valid() bool {
	_, ok := isolationNames[l]
	return ok
}

func (l IsolationLevel) MarshalText() ([]byte, error) {
	return []byte(l.String()), nil
}

// ParseIsolationLevel accepts the canonical names as well as lower case,
// dashed and spaced spellings ("read-committed", "read committed").
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	for lvl, name := range isolationNames {
		if name == norm {
			return lvl, nil
		}
	}
	return 0, errors.Newf("unknown isolation level %q", s)
}
