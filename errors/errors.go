// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package errors defines the typed failures the token acquisition core
// surfaces. Every failure a caller sees is either an *AuthError carrying a
// stable error code and the request's correlation ID, or a CallErr wrapping a
// raw HTTP exchange.
package errors

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"reflect"
	"strings"

	"github.com/kylelemons/godebug/pretty"
)

var prettyConf = &pretty.Config{
	IncludeUnexported: false,
	SkipZeroFields:    true,
	TrackCycles:       true,
	Formatter: map[reflect.Type]interface{}{
		reflect.TypeOf((*io.Reader)(nil)).Elem(): func(r io.Reader) string {
			b, err := io.ReadAll(r)
			if err != nil {
				return "could not read io.Reader content"
			}
			return string(b)
		},
	},
}

type verboser interface {
	Verbose() string
}

// Verbose prints the most verbose error that the error chain has.
func Verbose(err error) string {
	build := strings.Builder{}
	for err != nil {
		if v, ok := err.(verboser); ok {
			build.WriteString(v.Verbose())
		} else {
			build.WriteString(err.Error())
		}
		err = errors.Unwrap(err)
	}
	return build.String()
}

// New is equivalent to errors.New().
func New(text string) error {
	return errors.New(text)
}

// CallErr represents an HTTP call error. Has a Verbose() method that allows
// getting the http.Request and Response objects. Implements error.
type CallErr struct {
	Req  *http.Request
	Resp *http.Response
	Err  error
}

// Error implements error.Error().
func (e CallErr) Error() string {
	return e.Err.Error()
}

// Verbose prints a verbose error message with the request and response.
func (e CallErr) Verbose() string {
	if e.Resp != nil {
		e.Resp.Request = nil // This brings in a bunch of TLS material we don't need
		e.Resp.TLS = nil     // Same
	}
	return fmt.Sprintf("%s:\nRequest:\n%s\nResponse:\n%s", e.Err, prettyConf.Sprint(e.Req), prettyConf.Sprint(e.Resp))
}

// Unwrap implements errors.Unwrap.
func (e CallErr) Unwrap() error {
	return e.Err
}

// Is reports whether any error in err's chain matches target.
func Is(err, target error) bool {
	return errors.Is(err, target)
}

// As finds the first error in err's chain that matches target, and if one is
// found, sets target to that error value and returns true.
func As(err error, target interface{}) bool {
	return errors.As(err, target)
}
