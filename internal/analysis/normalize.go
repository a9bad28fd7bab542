// Package analysis extracts the canonical call-analysis result from the
// loosely shaped callback bodies the external workflow delivers.
package analysis

import (
	"bytes"
	"encoding/json"
	"errors"
	"math"
	"strings"

	"salescall-platform/internal/calls"
)

var ErrMalformedJSON = errors.New("analysis: malformed json")

// Shape names the wrapper a result was found in.
type Shape string

const (
	ShapeNone        Shape = ""
	ShapeArrayOutput Shape = "array.output"
	ShapeArrayJSON   Shape = "array.json"
	ShapeOutput      Shape = "output"
	ShapeJSON        Shape = "json"
)

// Wrapper and field keys are matched exactly. Objects are decoded into
// maps because struct tags match case-insensitively.
const (
	keyOutput              = "output"
	keyJSON                = "json"
	keyTranscript          = "transcript"
	keySummary             = "summary"
	keySentimentPercentage = "sentimentPercentage"
	keySentimentLabel      = "sentimentLabel"
)

type object map[string]json.RawMessage

// Normalize decodes raw and returns the canonical result, or nil when no
// recognizable shape carries at least one usable field.
//
// Shapes are tried in order:
//
//	[{"output": {...}}] / [{"json": {...}}]
//	{"output": {...}}
//	{"json": {...}}
//
// The first wrapper holding a non-null object wins. Body that is not JSON at
// all returns ErrMalformedJSON.
func Normalize(raw []byte) (*calls.Result, error) {
	res, _, err := NormalizeShape(raw)
	return res, err
}

// NormalizeShape is Normalize that also reports which wrapper matched.
func NormalizeShape(raw []byte) (*calls.Result, Shape, error) {
	raw = bytes.TrimSpace(raw)
	if !json.Valid(raw) {
		return nil, ShapeNone, ErrMalformedJSON
	}

	inner, shape := unwrap(raw)
	if inner == nil {
		return nil, ShapeNone, nil
	}

	var p object
	if err := json.Unmarshal(inner, &p); err != nil {
		return nil, ShapeNone, nil
	}
	res := calls.Result{
		Transcript:          decodeString(p[keyTranscript]),
		Summary:             decodeString(p[keySummary]),
		SentimentPercentage: decodePercentage(p[keySentimentPercentage]),
		SentimentLabel:      decodeString(p[keySentimentLabel]),
	}
	if res.IsEmpty() {
		return nil, shape, nil
	}
	return &res, shape, nil
}

func unwrap(raw []byte) (json.RawMessage, Shape) {
	switch raw[0] {
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(raw, &arr); err != nil || len(arr) == 0 {
			return nil, ShapeNone
		}
		var env object
		if err := json.Unmarshal(arr[0], &env); err != nil {
			return nil, ShapeNone
		}
		if isObject(env[keyOutput]) {
			return env[keyOutput], ShapeArrayOutput
		}
		if isObject(env[keyJSON]) {
			return env[keyJSON], ShapeArrayJSON
		}
	case '{':
		var env object
		if err := json.Unmarshal(raw, &env); err != nil {
			return nil, ShapeNone
		}
		if isObject(env[keyOutput]) {
			return env[keyOutput], ShapeOutput
		}
		if isObject(env[keyJSON]) {
			return env[keyJSON], ShapeJSON
		}
	}
	return nil, ShapeNone
}

func isObject(m json.RawMessage) bool {
	m = bytes.TrimSpace(m)
	return len(m) > 0 && m[0] == '{'
}

func isAbsent(m json.RawMessage) bool {
	m = bytes.TrimSpace(m)
	return len(m) == 0 || bytes.Equal(m, []byte("null"))
}

func decodeString(m json.RawMessage) *string {
	if isAbsent(m) {
		return nil
	}
	var s string
	if err := json.Unmarshal(m, &s); err != nil {
		return nil
	}
	s = SanitizeText(s)
	return &s
}

// SanitizeText makes s storable in a Postgres TEXT column: invalid UTF-8 is
// replaced with U+FFFD and NUL bytes are removed.
func SanitizeText(s string) string {
	s = strings.ToValidUTF8(s, "\uFFFD")
	return strings.ReplaceAll(s, "\x00", "")
}

// decodePercentage accepts JSON numbers only. Fractions truncate toward
// zero; anything outside [0,100] is discarded.
func decodePercentage(m json.RawMessage) *int {
	if isAbsent(m) {
		return nil
	}
	var f float64
	if err := json.Unmarshal(m, &f); err != nil {
		return nil
	}
	if math.IsNaN(f) || f < 0 || f > 100 {
		return nil
	}
	v := int(math.Trunc(f))
	return &v
}
