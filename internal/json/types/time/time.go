// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package time provides custom types to translate time from JSON and other
// formats into time.Time objects.
package time

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Unix marshals and unmarshals a string representation of the unix epoch
// into a time.Time object. The cache contract stores all timestamps this way.
type Unix struct {
	T time.Time
}

// MarshalJSON implements encoding/json.Marshaler. A zero time marshals to
// nothing, which the json package elides from output.
func (u Unix) MarshalJSON() ([]byte, error) {
	if u.T.IsZero() {
		return []byte(""), nil
	}
	return []byte(fmt.Sprintf("%q", strconv.FormatInt(u.T.Unix(), 10))), nil
}

// UnmarshalJSON implements encoding/json.Unmarshaler.
func (u *Unix) UnmarshalJSON(b []byte) error {
	i, err := strconv.ParseInt(strings.Trim(string(b), `"`), 10, 64)
	if err != nil {
		return fmt.Errorf("unix time(%s) could not be converted from string to int: %w", string(b), err)
	}
	u.T = time.Unix(i, 0)
	return nil
}
