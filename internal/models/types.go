package models

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// FlexUint64 is a uint64 that can be unmarshaled from either a JSON number or
// a numeric string. Billing providers are not consistent about which they send
// for timestamps and amounts (e.g. "period_end": "1735689600000").
type FlexUint64 uint64

// UnmarshalJSON accepts a non-negative number, a numeric string, an empty
// string or null. Anything else is an error: a garbled amount must not become 0.
func (f *FlexUint64) UnmarshalJSON(data []byte) error {
	s := strings.TrimSpace(string(data))
	if s == "null" {
		*f = 0
		return nil
	}

	if strings.HasPrefix(s, `"`) {
		var str string
		if err := json.Unmarshal(data, &str); err != nil {
			return err
		}
		s = strings.TrimSpace(str)
		if s == "" {
			*f = 0
			return nil
		}
	}

	v, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid unsigned integer %s", string(data))
	}
	*f = FlexUint64(v)
	return nil
}

// MarshalJSON always marshals as a number.
func (f FlexUint64) MarshalJSON() ([]byte, error) {
	return json.Marshal(uint64(f))
}

// Uint64 returns the value as a plain uint64.
func (f FlexUint64) Uint64() uint64 {
	return uint64(f)
}
