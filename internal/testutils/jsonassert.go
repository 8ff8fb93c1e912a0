package testutils

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/mcuadros/go-defaults"
	"github.com/yudai/gojsondiff"
	"github.com/yudai/gojsondiff/formatter"
)

// MustJSON marshals v or panics. For building expected fixtures inline.
func MustJSON(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return string(data)
}

type JSONAssertOptions struct {
	IgnoredFields   []string `default:""`
	NilToEmptyArray bool     `default:"true"`
}

// JSONOption configures a JSONAsserter.
type JSONOption func(*JSONAssertOptions)

// WithIgnoredFields drops the named top-level keys from both documents
// before comparison. Useful for timestamps and RSSI readings.
func WithIgnoredFields(fields ...string) JSONOption {
	return func(o *JSONAssertOptions) { o.IgnoredFields = fields }
}

// JSONAsserter compares JSON documents structurally and reports a readable
// delta on mismatch.
type JSONAsserter struct {
	t       TestingT
	options JSONAssertOptions
}

func NewJSONAsserter(t *testing.T, opts ...JSONOption) *JSONAsserter {
	o := JSONAssertOptions{}
	defaults.SetDefaults(&o)
	for _, opt := range opts {
		opt(&o)
	}
	return &JSONAsserter{t: t, options: o}
}

// Assert fails the test when actualJSON differs structurally from
// expectedJSON.
func (ja *JSONAsserter) Assert(actualJSON, expectedJSON string) {
	if delta := ja.diff(actualJSON, expectedJSON); delta != "" {
		ja.t.Errorf("JSON mismatch:\n%s", delta)
	}
}

func (ja *JSONAsserter) diff(actualJSON, expectedJSON string) string {
	var expected, actual interface{}
	if err := json.Unmarshal([]byte(expectedJSON), &expected); err != nil {
		return fmt.Sprintf("invalid expected JSON: %v", err)
	}
	if err := json.Unmarshal([]byte(actualJSON), &actual); err != nil {
		return fmt.Sprintf("invalid actual JSON: %v", err)
	}

	// gojsondiff only diffs objects, so wrap root-level arrays.
	if isArray(expected) && isArray(actual) {
		expected = map[string]interface{}{"array": expected}
		actual = map[string]interface{}{"array": actual}
	}

	ja.scrub(expected)
	ja.scrub(actual)

	eb := mustMarshal(expected)
	ab := mustMarshal(actual)

	d, err := gojsondiff.New().Compare(eb, ab)
	if err != nil {
		return fmt.Sprintf("compare failed: %v", err)
	}
	if !d.Modified() {
		return ""
	}

	var left map[string]interface{}
	_ = json.Unmarshal(eb, &left)
	text, err := formatter.NewAsciiFormatter(left, formatter.AsciiFormatterConfig{
		ShowArrayIndex: true,
	}).Format(d)
	if err != nil {
		return fmt.Sprintf("format failed: %v", err)
	}
	return text
}

// scrub removes ignored fields and normalizes nil arrays, recursing into
// nested objects and arrays.
func (ja *JSONAsserter) scrub(v interface{}) {
	switch node := v.(type) {
	case map[string]interface{}:
		for _, field := range ja.options.IgnoredFields {
			delete(node, field)
		}
		for key, child := range node {
			if child == nil {
				if ja.options.NilToEmptyArray {
					node[key] = []interface{}{}
				}
				continue
			}
			ja.scrub(child)
		}
	case []interface{}:
		for _, child := range node {
			ja.scrub(child)
		}
	}
}

func isArray(v interface{}) bool {
	_, ok := v.([]interface{})
	return ok
}

func mustMarshal(v interface{}) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
