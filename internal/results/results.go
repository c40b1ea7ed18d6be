// Package results answers structured queries against a job's stored result
// document. Lookups never parse the whole document into structs; the result
// format belongs to the analysis engine and is treated as opaque JSON.
package results

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/tidwall/gjson"
)

var (
	ErrPathNotFound = errors.New("result path not found")
	ErrUnknownField = errors.New("unknown segment field")
)

// segmentFields are the per-segment attributes callers may query directly.
var segmentFields = map[string]bool{
	"name":         true,
	"confidence":   true,
	"db_crosslink": true,
	"identifier":   true,
	"ident":        true,
}

// macromoleculeKinds in resolution order; the first true flag wins.
var macromoleculeKinds = []string{"protein", "nucleic", "lipid", "carbohydrate", "atom"}

// Segments returns the raw summary.segment_list array.
func Segments(metadata []byte) (json.RawMessage, error) {
	v := gjson.GetBytes(metadata, "summary.segment_list")
	if !v.Exists() {
		return nil, ErrPathNotFound
	}
	return json.RawMessage(v.Raw), nil
}

// SegmentField returns one raw attribute of a named segment.
func SegmentField(metadata []byte, segment, field string) (json.RawMessage, error) {
	if !segmentFields[field] {
		return nil, ErrUnknownField
	}
	v := gjson.GetBytes(metadata, "summary.segments."+escape(segment)+"."+field)
	if !v.Exists() {
		return nil, ErrPathNotFound
	}
	return json.RawMessage(v.Raw), nil
}

// SegmentType resolves the macromolecule_type flag block of a segment into a
// single kind name, or "unknown" when no flag is set.
func SegmentType(metadata []byte, segment string) (string, error) {
	v := gjson.GetBytes(metadata, "summary.segments."+escape(segment)+".macromolecule_type")
	if !v.Exists() {
		return "", ErrPathNotFound
	}
	for _, kind := range macromoleculeKinds {
		if v.Get(kind).Bool() {
			return kind, nil
		}
	}
	return "unknown", nil
}

// escape protects segment names against gjson path syntax.
func escape(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '?', '\\', '|', '#', '@':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
