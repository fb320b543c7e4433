package provider

import (
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// FlexFloat is a float64 that tolerates string-encoded numbers on the wire.
// Vendor payloads flip between `"limit": 500` and `"limit": "500"` across
// releases.
type FlexFloat float64

// UnmarshalJSON accepts numbers, numeric strings, and null.
func (f *FlexFloat) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		*f = 0
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		s = s[1 : len(s)-1]
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("cannot parse %q as number", string(data))
	}
	*f = FlexFloat(v)
	return nil
}

// FlexTime tolerates RFC3339 strings, unix seconds, and unix milliseconds.
type FlexTime struct {
	time.Time
}

// UnmarshalJSON accepts RFC3339 strings and unix epoch numbers.
func (t *FlexTime) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" || s == `""` {
		t.Time = time.Time{}
		return nil
	}
	if len(s) >= 2 && s[0] == '"' && s[len(s)-1] == '"' {
		parsed, err := time.Parse(time.RFC3339, s[1:len(s)-1])
		if err != nil {
			return fmt.Errorf("cannot parse %q as time", string(data))
		}
		t.Time = parsed
		return nil
	}
	epoch, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("cannot parse %q as time", string(data))
	}
	// Heuristic: values past the year 33658 in seconds are milliseconds.
	if epoch > 1e12 {
		t.Time = time.UnixMilli(int64(epoch)).UTC()
	} else {
		t.Time = time.Unix(int64(epoch), 0).UTC()
	}
	return nil
}

// nameKeys is the ordered list of legacy field names that may carry a
// display name in vendor payloads.
var nameKeys = []string{"name", "label", "title", "displayName", "display_name", "group_name", "groupName"}

// modelKeys is the ordered list of field names that may carry the canonical
// model identifier.
var modelKeys = []string{"model_name", "modelName", "model", "limit_name", "limitName", "model_id", "modelId"}

// FirstString returns the first non-empty string among the given keys of a
// decoded JSON object.
func FirstString(obj map[string]any, keys ...string) string {
	for _, key := range keys {
		if v, ok := obj[key]; ok {
			if s, ok := v.(string); ok && s != "" {
				return s
			}
		}
	}
	return ""
}

// DisplayNameOf picks the display name from a vendor object, trying the
// legacy field names in order.
func DisplayNameOf(obj map[string]any) string {
	return FirstString(obj, nameKeys...)
}

// ModelIDOf picks the canonical model identifier from a vendor object.
func ModelIDOf(obj map[string]any) string {
	return FirstString(obj, modelKeys...)
}

// FindEmail walks a decoded JSON value depth-first and returns the first
// email-like string (contains "@"). Map keys are visited in sorted order so
// the scan is deterministic.
func FindEmail(v any) string {
	switch val := v.(type) {
	case string:
		if strings.Contains(val, "@") && !strings.HasPrefix(val, "@") {
			return val
		}
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			if found := FindEmail(val[k]); found != "" {
				return found
			}
		}
	case []any:
		for _, item := range val {
			if found := FindEmail(item); found != "" {
				return found
			}
		}
	}
	return ""
}

// DecodeObject decodes a JSON object into a generic map, preserving unknown
// fields for the tolerant field pickers above.
func DecodeObject(data []byte) (map[string]any, error) {
	var obj map[string]any
	if err := json.Unmarshal(data, &obj); err != nil {
		return nil, err
	}
	return obj, nil
}

// Slug normalizes a raw identifier into a child id segment: lowercase,
// spaces and slashes collapsed to dashes.
func Slug(raw string) string {
	s := strings.ToLower(strings.TrimSpace(raw))
	s = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			return r
		case r == ' ', r == '/', r == '_', r == ':':
			return '-'
		default:
			return -1
		}
	}, s)
	for strings.Contains(s, "--") {
		s = strings.ReplaceAll(s, "--", "-")
	}
	return strings.Trim(s, "-")
}
