// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
)

// ByteSize is an amount of memory, expressed in config files and job
// descriptions as a number with an optional SI or binary suffix
// ("2GiB", "3500M", "512").
type ByteSize int64

var byteSizePrefix = map[string]int64{
	"":   1,
	"K":  1000,
	"Ki": 1 << 10,
	"M":  1000000,
	"Mi": 1 << 20,
	"G":  1000000000,
	"Gi": 1 << 30,
	"T":  1000000000000,
	"Ti": 1 << 40,
	"P":  1000000000000000,
	"Pi": 1 << 50,
	"E":  1000000000000000000,
	"Ei": 1 << 60,
}

// ParseByteSize parses a string like "2GiB" or "3500 M" or "1024".
func ParseByteSize(s string) (ByteSize, error) {
	var n ByteSize
	if err := n.UnmarshalJSON([]byte(`"` + s + `"`)); err != nil {
		return 0, err
	}
	return n, nil
}

// MiB returns the size rounded up to a whole number of mebibytes,
// the unit most scheduler flags want. Zero stays zero.
func (n ByteSize) MiB() int64 {
	if n <= 0 {
		return 0
	}
	return (int64(n) + (1 << 20) - 1) >> 20
}

// UnmarshalJSON accepts either a plain integer (a number of bytes)
// or a quoted string with an optional suffix.
func (n *ByteSize) UnmarshalJSON(data []byte) error {
	if len(data) == 0 || data[0] != '"' {
		var i int64
		err := json.Unmarshal(data, &i)
		if err != nil {
			return err
		}
		*n = ByteSize(i)
		return nil
	}
	var s string
	err := json.Unmarshal(data, &s)
	if err != nil {
		return err
	}
	split := strings.LastIndexAny(s, "0123456789.+-eE") + 1
	if split == 0 {
		return fmt.Errorf("invalid byte size %q", s)
	}
	if s[split-1] == 'E' {
		// An E here might start a json exponent ("4.5E+3") or
		// mean Exa ("4.5EiB"); if the next char is not +, -,
		// or a digit, it meant Exa.
		split--
	}
	var val json.Number
	dec := json.NewDecoder(strings.NewReader(s[:split]))
	dec.UseNumber()
	err = dec.Decode(&val)
	if err != nil {
		return err
	}
	if split == len(s) {
		if intval, err := val.Int64(); err == nil {
			*n = ByteSize(intval)
			return nil
		}
		return fmt.Errorf("invalid byte size %q", s)
	}
	suffix := strings.Trim(s[split:], " ")
	prefix := strings.TrimSuffix(suffix, "B")
	pval, ok := byteSizePrefix[prefix]
	if !ok {
		return fmt.Errorf("invalid unit %q", suffix)
	}
	if intval, err := val.Int64(); err == nil {
		if pval > 1 && (intval*pval)/pval != intval {
			return fmt.Errorf("size %q overflows int64", s)
		}
		*n = ByteSize(intval * pval)
		return nil
	} else if floatval, err := val.Float64(); err == nil {
		if floatval*float64(pval) > math.MaxInt64 {
			return fmt.Errorf("size %q overflows int64", s)
		}
		*n = ByteSize(int64(floatval * float64(pval)))
		return nil
	} else {
		return fmt.Errorf("bug: json.Number for %q is not int64 or float64: %s", s, err)
	}
}

// MarshalJSON emits a plain number of bytes.
func (n ByteSize) MarshalJSON() ([]byte, error) {
	return json.Marshal(int64(n))
}

func (n ByteSize) String() string {
	return fmt.Sprintf("%d", int64(n))
}
