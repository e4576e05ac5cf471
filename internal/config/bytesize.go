package config

import (
	"encoding/json"
	"fmt"

	"github.com/dustin/go-humanize"
)

// ByteSize is a size in bytes written in configuration as "64KiB", "1MB" or a bare number.
type ByteSize uint64

// UnmarshalText parses a human readable size.
func (b *ByteSize) UnmarshalText(text []byte) error {
	s := string(text)
	if s == "" {
		return fmt.Errorf("byte size cannot be empty")
	}
	v, err := humanize.ParseBytes(s)
	if err != nil {
		return fmt.Errorf("invalid byte size %q: %w", s, err)
	}
	if v == 0 {
		return fmt.Errorf("byte size must be positive, got %q", s)
	}
	*b = ByteSize(v)
	return nil
}

// UnmarshalJSON accepts either a JSON number or a string such as "1MiB".
func (b *ByteSize) UnmarshalJSON(data []byte) error {
	var n uint64
	if err := json.Unmarshal(data, &n); err == nil {
		if n == 0 {
			return fmt.Errorf("byte size must be positive, got 0")
		}
		*b = ByteSize(n)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("byte size must be a number or a string: %w", err)
	}
	return b.UnmarshalText([]byte(s))
}

// MarshalText renders the size in IEC units.
func (b ByteSize) MarshalText() ([]byte, error) {
	return []byte(humanize.IBytes(uint64(b))), nil
}

// Int returns the size as an int, saturating on overflow.
func (b ByteSize) Int() int {
	const maxInt = int(^uint(0) >> 1)
	if uint64(b) > uint64(maxInt) {
		return maxInt
	}
	return int(b)
}

// String is the human readable form.
func (b ByteSize) String() string { return humanize.IBytes(uint64(b)) }
