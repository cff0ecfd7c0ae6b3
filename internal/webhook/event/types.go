package event

import (
	"bytes"
	"encoding/json"
	"math"
	"strconv"
	"strings"
	"time"
)

var jsonNull = []byte("null")

// FlexString decodes a JSON string, number or boolean as text. Null, objects
// and arrays decode to "".
type FlexString string

func (s *FlexString) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, jsonNull) {
		*s = ""
		return nil
	}
	switch b[0] {
	case '"':
		var v string
		if err := json.Unmarshal(b, &v); err != nil {
			return err
		}
		*s = FlexString(strings.TrimSpace(v))
	case '{', '[':
		*s = ""
	default:
		*s = FlexString(string(b))
	}
	return nil
}

func (s FlexString) String() string { return string(s) }

// FlexInt decodes minor-unit amounts sent as numbers or numeric strings.
// Anything else decodes to zero.
type FlexInt int64

func (n *FlexInt) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	raw := strings.Trim(string(b), `"`)
	*n = 0
	if raw == "" || raw == "null" {
		return nil
	}
	if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
		*n = FlexInt(v)
		return nil
	}
	if v, err := strconv.ParseFloat(raw, 64); err == nil && !math.IsNaN(v) && !math.IsInf(v, 0) {
		*n = FlexInt(math.Round(v))
	}
	return nil
}

func (n FlexInt) Int64() int64 { return int64(n) }

// FlexBool accepts true/false, "true"/"false" and 1/0.
type FlexBool bool

func (v *FlexBool) UnmarshalJSON(b []byte) error {
	switch strings.ToLower(strings.Trim(string(bytes.TrimSpace(b)), `"`)) {
	case "true", "1":
		*v = true
	default:
		*v = false
	}
	return nil
}

func (v FlexBool) Bool() bool { return bool(v) }

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Timestamp is a provider time that decodes to the zero value when it is
// missing or unparseable.
type Timestamp struct {
	time.Time
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	t.Time = time.Time{}
	var raw string
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range timestampLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return nil
}

func (t Timestamp) Valid() bool { return !t.IsZero() }

// Ptr returns nil for an absent timestamp.
func (t Timestamp) Ptr() *time.Time {
	if !t.Valid() {
		return nil
	}
	v := t.Time
	return &v
}
