// Copyright (c) Microsoft Corporation.
// Licensed under the MIT license.

// Package json provides JSON encoding and decoding that preserves fields the
// type does not know about. Cache entities written by a newer client must
// survive a round trip through an older one, so every struct handled here
// carries an AdditionalFields map that captures unknown keys on Unmarshal and
// replays them on Marshal.
package json

import (
	"bytes"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
)

// additionalFields is the name of the passthrough bucket every participating
// struct must declare as a map[string]interface{}.
const additionalFields = "AdditionalFields"

// unmarshalerType is the reflect.Type of json.Unmarshaler.
var unmarshalerType = reflect.TypeOf((*json.Unmarshaler)(nil)).Elem()

// MarshalRaw marshals a value into a json.RawMessage. It panics on values
// that cannot be represented in JSON; it exists to build AdditionalFields
// content and test expectations.
func MarshalRaw(i interface{}) json.RawMessage {
	b, err := json.Marshal(i)
	if err != nil {
		panic(fmt.Sprintf("marshal of %T failed: %s", i, err))
	}
	return json.RawMessage(b)
}

// Marshal encodes a struct (or pointer to struct) into JSON, emitting the
// entries of its AdditionalFields map alongside the declared fields.
func Marshal(i interface{}) ([]byte, error) {
	v := reflect.ValueOf(i)
	for v.Kind() == reflect.Ptr {
		if v.IsNil() {
			return []byte("null"), nil
		}
		v = v.Elem()
	}
	if v.Kind() != reflect.Struct {
		return nil, fmt.Errorf("json: Marshal requires a struct or pointer to struct, got %T", i)
	}
	m, err := marshalStruct(v)
	if err != nil {
		return nil, err
	}
	return json.Marshal(m)
}

// rawValue encodes an AdditionalFields entry, passing through values that are
// already raw JSON.
func rawValue(i interface{}) (json.RawMessage, error) {
	if raw, ok := i.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(i)
}

func marshalStruct(v reflect.Value) (map[string]json.RawMessage, error) {
	out := map[string]json.RawMessage{}
	t := v.Type()
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" { // unexported
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && fv.Kind() == reflect.Struct {
			embedded, err := marshalStruct(fv)
			if err != nil {
				return nil, err
			}
			for k, raw := range embedded {
				out[k] = raw
			}
			continue
		}
		if f.Name == additionalFields {
			if fv.Kind() != reflect.Map {
				return nil, fmt.Errorf("json: %s.AdditionalFields must be a map, is %s", t.Name(), fv.Kind())
			}
			for _, k := range fv.MapKeys() {
				raw, err := rawValue(fv.MapIndex(k).Interface())
				if err != nil {
					return nil, err
				}
				out[k.String()] = raw
			}
			continue
		}
		name, omitEmpty, skip := fieldName(f)
		if skip {
			continue
		}
		if omitEmpty && fv.IsZero() {
			continue
		}
		raw, err := marshalValue(fv)
		if err != nil {
			return nil, fmt.Errorf("json: field %s.%s: %w", t.Name(), f.Name, err)
		}
		if raw == nil { // a Marshaler chose to emit nothing
			continue
		}
		out[name] = raw
	}
	return out, nil
}

func marshalValue(v reflect.Value) (json.RawMessage, error) {
	// Marshalers are invoked directly: our time wrappers signal "omit me" by
	// returning zero bytes, which the stdlib encoder would reject.
	if m, ok := v.Interface().(json.Marshaler); ok {
		b, err := m.MarshalJSON()
		if err != nil {
			return nil, err
		}
		if len(bytes.TrimSpace(b)) == 0 {
			return nil, nil
		}
		return b, nil
	}

	switch v.Kind() {
	case reflect.Ptr:
		if v.IsNil() {
			return json.RawMessage("null"), nil
		}
		return marshalValue(v.Elem())
	case reflect.Struct:
		if hasAdditionalFields(v.Type()) {
			m, err := marshalStruct(v)
			if err != nil {
				return nil, err
			}
			return json.Marshal(m)
		}
	case reflect.Map:
		if v.Type().Key().Kind() == reflect.String && structuredElem(v.Type().Elem()) {
			m := map[string]json.RawMessage{}
			for _, k := range v.MapKeys() {
				raw, err := marshalValue(v.MapIndex(k))
				if err != nil {
					return nil, err
				}
				m[k.String()] = raw
			}
			return json.Marshal(m)
		}
	case reflect.Slice:
		if structuredElem(v.Type().Elem()) {
			raws := make([]json.RawMessage, 0, v.Len())
			for i := 0; i < v.Len(); i++ {
				raw, err := marshalValue(v.Index(i))
				if err != nil {
					return nil, err
				}
				raws = append(raws, raw)
			}
			return json.Marshal(raws)
		}
	}
	return json.Marshal(v.Interface())
}

// Unmarshal decodes JSON into a pointer to struct, storing keys that do not
// correspond to a declared field in the struct's AdditionalFields map as
// json.RawMessage values.
func Unmarshal(b []byte, i interface{}) error {
	v := reflect.ValueOf(i)
	if v.Kind() != reflect.Ptr {
		return fmt.Errorf("json: Unmarshal requires a pointer to struct, got %T", i)
	}
	v = v.Elem()
	if v.Kind() != reflect.Struct {
		return fmt.Errorf("json: Unmarshal requires a pointer to struct, got %T", i)
	}
	m := map[string]json.RawMessage{}
	if err := json.Unmarshal(b, &m); err != nil {
		return err
	}
	return unmarshalStruct(m, v)
}

func unmarshalStruct(m map[string]json.RawMessage, v reflect.Value) error {
	t := v.Type()
	var extra reflect.Value
	consumed := map[string]bool{}

	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" {
			continue
		}
		fv := v.Field(i)
		if f.Anonymous && fv.Kind() == reflect.Struct {
			// Embedded structs see the whole object; their known keys are
			// consumed so they do not also land in AdditionalFields.
			for _, k := range knownKeys(fv.Type()) {
				consumed[k] = true
			}
			if err := unmarshalStruct(m, fv); err != nil {
				return err
			}
			continue
		}
		if f.Name == additionalFields {
			if f.Type.Kind() != reflect.Map || f.Type.Key().Kind() != reflect.String {
				return fmt.Errorf("json: %s.AdditionalFields must be a map[string]interface{}", t.Name())
			}
			extra = fv
			continue
		}
		name, _, skip := fieldName(f)
		if skip {
			continue
		}
		raw, ok := m[name]
		if !ok {
			continue
		}
		consumed[name] = true
		if err := unmarshalValue(raw, fv); err != nil {
			return fmt.Errorf("json: field %s.%s: %w", t.Name(), f.Name, err)
		}
	}

	if extra.IsValid() {
		for k, raw := range m {
			if consumed[k] {
				continue
			}
			if extra.IsNil() {
				extra.Set(reflect.MakeMap(extra.Type()))
			}
			extra.SetMapIndex(reflect.ValueOf(k), reflect.ValueOf(raw))
		}
	}
	return nil
}

func unmarshalValue(raw json.RawMessage, fv reflect.Value) error {
	if bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return nil
	}
	switch fv.Kind() {
	case reflect.Ptr:
		if fv.Type().Elem().Kind() == reflect.Struct && hasAdditionalFields(fv.Type().Elem()) {
			if fv.IsNil() {
				fv.Set(reflect.New(fv.Type().Elem()))
			}
			return unmarshalValue(raw, fv.Elem())
		}
	case reflect.Struct:
		if hasAdditionalFields(fv.Type()) && !fv.Addr().Type().Implements(unmarshalerType) {
			m := map[string]json.RawMessage{}
			if err := json.Unmarshal(raw, &m); err != nil {
				return err
			}
			return unmarshalStruct(m, fv)
		}
	case reflect.Map:
		if fv.Type().Key().Kind() == reflect.String && structuredElem(fv.Type().Elem()) {
			rawMap := map[string]json.RawMessage{}
			if err := json.Unmarshal(raw, &rawMap); err != nil {
				return err
			}
			out := reflect.MakeMapWithSize(fv.Type(), len(rawMap))
			for k, rv := range rawMap {
				elem := reflect.New(fv.Type().Elem())
				if err := unmarshalValue(rv, elem.Elem()); err != nil {
					return err
				}
				out.SetMapIndex(reflect.ValueOf(k), elem.Elem())
			}
			fv.Set(out)
			return nil
		}
	case reflect.Slice:
		if structuredElem(fv.Type().Elem()) {
			var raws []json.RawMessage
			if err := json.Unmarshal(raw, &raws); err != nil {
				return err
			}
			out := reflect.MakeSlice(fv.Type(), 0, len(raws))
			for _, rv := range raws {
				elem := reflect.New(fv.Type().Elem())
				if err := unmarshalValue(rv, elem.Elem()); err != nil {
					return err
				}
				out = reflect.Append(out, elem.Elem())
			}
			fv.Set(out)
			return nil
		}
	}
	return json.Unmarshal(raw, fv.Addr().Interface())
}

// structuredElem reports whether a container element type participates in
// AdditionalFields handling and therefore needs recursive treatment.
func structuredElem(t reflect.Type) bool {
	for t.Kind() == reflect.Ptr {
		t = t.Elem()
	}
	return t.Kind() == reflect.Struct && hasAdditionalFields(t)
}

func hasAdditionalFields(t reflect.Type) bool {
	_, ok := t.FieldByName(additionalFields)
	return ok
}

// knownKeys lists the JSON keys a struct type declares, including those of
// embedded structs.
func knownKeys(t reflect.Type) []string {
	var keys []string
	for i := 0; i < t.NumField(); i++ {
		f := t.Field(i)
		if f.PkgPath != "" || f.Name == additionalFields {
			continue
		}
		if f.Anonymous && f.Type.Kind() == reflect.Struct {
			keys = append(keys, knownKeys(f.Type)...)
			continue
		}
		name, _, skip := fieldName(f)
		if !skip {
			keys = append(keys, name)
		}
	}
	return keys
}

// fieldName resolves the JSON key for a struct field from its tag, reporting
// omitempty and whether the field is excluded entirely.
func fieldName(f reflect.StructField) (name string, omitEmpty, skip bool) {
	tag, ok := f.Tag.Lookup("json")
	if !ok {
		return f.Name, false, false
	}
	parts := strings.Split(tag, ",")
	if parts[0] == "-" {
		return "", false, true
	}
	name = parts[0]
	if name == "" {
		name = f.Name
	}
	for _, p := range parts[1:] {
		if p == "omitempty" {
			omitEmpty = true
		}
	}
	return name, omitEmpty, false
}
