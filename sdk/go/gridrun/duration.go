// Copyright (C) The Gridrun Authors. All rights reserved.
//
// SPDX-License-Identifier: Apache-2.0

package gridrun

import (
	"encoding/json"
	"fmt"
	"time"
)

// Duration is time.Duration but looks like "8h" in JSON/YAML, rather
// than a number of nanoseconds.
type Duration time.Duration

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		dur, err := time.ParseDuration(string(data[1 : len(data)-1]))
		*d = Duration(dur)
		return err
	}
	return fmt.Errorf("duration must be given as a string like \"600s\" or \"1h30m\"")
}

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// String implements fmt.Stringer.
func (d Duration) String() string {
	return time.Duration(d).String()
}

// Duration returns the standard-library representation.
func (d Duration) Duration() time.Duration {
	return time.Duration(d)
}

// Seconds returns the duration rounded up to whole seconds, the unit
// most scheduler walltime flags want.
func (d Duration) Seconds() int64 {
	return int64((time.Duration(d) + time.Second - 1) / time.Second)
}

// Minutes returns the duration rounded up to whole minutes.
func (d Duration) Minutes() int64 {
	return int64((time.Duration(d) + time.Minute - 1) / time.Minute)
}
