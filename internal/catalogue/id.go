package catalogue

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexID is an integer id that may arrive as a JSON number or a numeric
// string. Valid is false when the value was absent or null.
type FlexID struct {
	Value int64
	Valid bool
}

func (id *FlexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*id = FlexID{}
		return nil
	}

	var raw string
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			*id = FlexID{}
			return nil
		}
	} else {
		raw = string(data)
	}

	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// JSON numbers such as 12.0 are still whole ids.
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != float64(int64(f)) {
			return fmt.Errorf("invalid id %s", data)
		}
		n = int64(f)
	}
	*id = FlexID{Value: n, Valid: true}
	return nil
}

func (id FlexID) MarshalJSON() ([]byte, error) {
	if !id.Valid {
		return []byte("null"), nil
	}
	return []byte(strconv.FormatInt(id.Value, 10)), nil
}

// ParseID parses a path or query id.
func ParseID(s string) (int64, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return n, nil
}

// FlexString is a text field fed by other services. Strings are kept as sent,
// blank included; numbers and booleans keep their literal text. Valid is false
// when the value was absent or null.
type FlexString struct {
	Value string
	Valid bool
}

func (s *FlexString) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0 || bytes.Equal(data, []byte("null")):
		*s = FlexString{}
		return nil
	case data[0] == '"':
		var v string
		if err := json.Unmarshal(data, &v); err != nil {
			return err
		}
		*s = FlexString{Value: v, Valid: true}
		return nil
	case data[0] == '{' || data[0] == '[':
		return fmt.Errorf("invalid text value %s", data)
	default:
		*s = FlexString{Value: string(data), Valid: true}
		return nil
	}
}
