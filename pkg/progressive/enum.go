package progressive

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Enum values are persisted: ledger rows store TransactionState as a number
// and records carry every enum by name. Constants are pinned; never
// renumber one and append new values at the end.

func enumName[T ~int](names map[T]string, v T, typ string) string {
	if n, ok := names[v]; ok {
		return n
	}
	return fmt.Sprintf("%s(%d)", typ, int(v))
}

// parseEnum matches name in any case.
func parseEnum[T ~int](names map[T]string, name string) (T, bool) {
	for v, n := range names {
		if strings.EqualFold(n, name) {
			return v, true
		}
	}
	return 0, false
}

// marshalEnum writes the value's name. Unnamed values keep their number so
// they survive a round trip.
func marshalEnum[T ~int](names map[T]string, v T) ([]byte, error) {
	if n, ok := names[v]; ok {
		return json.Marshal(n)
	}
	return []byte(strconv.Itoa(int(v))), nil
}

// unmarshalEnum accepts a name or the number older records were written with.
func unmarshalEnum[T ~int](names map[T]string, data []byte, typ string, out *T) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var name string
		if err := json.Unmarshal(data, &name); err != nil {
			return fmt.Errorf("invalid %s: %w", typ, err)
		}
		v, ok := parseEnum(names, name)
		if !ok {
			return fmt.Errorf("unknown %s %q", typ, name)
		}
		*out = v
		return nil
	}
	n, err := strconv.Atoi(string(data))
	if err != nil {
		return fmt.Errorf("invalid %s %s", typ, data)
	}
	*out = T(n)
	return nil
}
