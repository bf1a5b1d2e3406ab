package kv

import "strings"

// KeyRelationshipAnalyzer carries the domain knowledge the validator needs
// for write-skew and phantom detection.
type KeyRelationshipAnalyzer interface {
	// AreKeysRelated reports whether writes based on reads of a and b are
	// likely to interact (shared aggregate, foreign key, ...).
	AreKeysRelated(a, b string) bool
	// IsKeyInSnapshotRange reports whether a write to opKey could change the
	// value tx captured under snapshotKey.
	IsKeyInSnapshotRange(tx *Transaction, opKey, snapshotKey string, expected any) bool
}

// NopAnalyzer never relates keys; only exact snapshot keys match.
type NopAnalyzer struct{}

func (NopAnalyzer) AreKeysRelated(string, string) bool { return false }
func (NopAnalyzer) IsKeyInSnapshotRange(*Transaction, string, string, any) bool {
	return false
}

// AnalyzerFuncs adapts plain functions. A nil field answers false.
type AnalyzerFuncs struct {
	Related func(a, b string) bool
	InRange func(tx *Transaction, opKey, snapshotKey string, expected any) bool
}

func (f AnalyzerFuncs) AreKeysRelated(a, b string) bool {
	if f.Related == nil {
		return false
	}
	return f.Related(a, b)
}

func (f AnalyzerFuncs) IsKeyInSnapshotRange(tx *Transaction, opKey, snapshotKey string, expected any) bool {
	if f.InRange == nil {
		return false
	}
	return f.InRange(tx, opKey, snapshotKey, expected)
}

// KeyRange is a half-open key interval. An empty End is unbounded.
type KeyRange struct {
	Start string `json:"start"`
	End   string `json:"end"`
}

func (r KeyRange) Contains(key string) bool {
	if key < r.Start {
		return false
	}
	return r.End == "" || key < r.End
}

const defaultKeySeparator = ":"

// PrefixAnalyzer treats keys sharing the segment before Separator as
// related, so "acct:1" and "acct:2" interact. A write falls inside a
// snapshot when the captured value is a KeyRange containing it, or when the
// snapshot key is a "prefix*" pattern the key matches.
type PrefixAnalyzer struct {
	Separator string
}

func (p PrefixAnalyzer) sep() string {
	if p.Separator == "" {
		return defaultKeySeparator
	}
	return p.Separator
}

func (p PrefixAnalyzer) group(key string) (string, bool) {
	i := strings.Index(key, p.sep())
	if i <= 0 {
		return "", false
	}
	return key[:i], true
}

func (p PrefixAnalyzer) AreKeysRelated(a, b string) bool {
	ga, okA := p.group(a)
	gb, okB := p.group(b)
	return okA && okB && ga == gb
}

func (p PrefixAnalyzer) IsKeyInSnapshotRange(_ *Transaction, opKey, snapshotKey string, expected any) bool {
	switch v := expected.(type) {
	case KeyRange:
		return v.Contains(opKey)
	case *KeyRange:
		return v != nil && v.Contains(opKey)
	}
	if prefix, ok := strings.CutSuffix(snapshotKey, "*"); ok {
		return strings.HasPrefix(opKey, prefix)
	}
	return false
}

var (
	_ KeyRelationshipAnalyzer = NopAnalyzer{}
	_ KeyRelationshipAnalyzer = AnalyzerFuncs{}
	_ KeyRelationshipAnalyzer = PrefixAnalyzer{}
)
