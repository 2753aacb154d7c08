// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package coerce rewrites request-level filter documents so that the
// string representations clients send over JSON become the native
// types stored in the database. A filter opts in per field with a
// $coerce map at its top level:
//
//	{"_id": {"$in": ["3f5c...", "4a1b..."]}, "$coerce": {"_id": "uuid"}}
//
// After rewriting, each listed field's scalars have been converted
// (here to native UUID binaries) and the $coerce key is gone.
// Applying the rewrite twice is a no-op.
package coerce

import (
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// ErrInvalidValue is returned when a value cannot be converted to the
// requested type. It maps to the DataValidationError taxonomy tag.
const ErrInvalidValue = errors.ConstError("value coercion failed")

// Directive names the key that carries per-field coercion requests.
const Directive = "$coerce"

// binaryUUID is the BSON binary subtype for RFC 4122 UUIDs.
const binaryUUID = 0x04

// comparison operators whose operands are coerced individually.
var scalarOperators = map[string]bool{
	"$eq": true, "$ne": true,
	"$gt": true, "$gte": true,
	"$lt": true, "$lte": true,
	"$in": true, "$nin": true,
}

// Apply returns a copy of filter with its $coerce directive applied
// and removed. Fields listed in the directive but absent from the
// filter are ignored. A listed field whose value cannot be converted
// fails with ErrInvalidValue.
func Apply(filter map[string]interface{}) (map[string]interface{}, error) {
	if filter == nil {
		return nil, nil
	}
	out := make(map[string]interface{}, len(filter))
	for k, v := range filter {
		if k != Directive {
			out[k] = v
		}
	}
	directive, ok := filter[Directive]
	if !ok {
		return out, nil
	}
	kinds, ok := directive.(map[string]interface{})
	if !ok {
		return nil, errors.WithType(errors.Errorf("%s must be an object", Directive), ErrInvalidValue)
	}
	for field, kindValue := range kinds {
		kind, ok := kindValue.(string)
		if !ok {
			return nil, errors.WithType(errors.Errorf("%s.%s must name a type", Directive, field), ErrInvalidValue)
		}
		target, present := out[field]
		if !present {
			continue
		}
		converted, err := coerceTarget(target, kind)
		if err != nil {
			return nil, errors.Annotatef(err, "coercing field %q", field)
		}
		out[field] = converted
	}
	return out, nil
}

// coerceTarget converts a filter value, descending one level into
// comparison operator objects so that {"$in": [...]} has each element
// converted individually.
func coerceTarget(value interface{}, kind string) (interface{}, error) {
	if operators, ok := asOperatorObject(value); ok {
		out := make(map[string]interface{}, len(operators))
		for op, operand := range operators {
			if !scalarOperators[op] {
				out[op] = operand
				continue
			}
			if list, ok := operand.([]interface{}); ok {
				converted := make([]interface{}, len(list))
				for i, elem := range list {
					v, err := Scalar(elem, kind)
					if err != nil {
						return nil, errors.Trace(err)
					}
					converted[i] = v
				}
				out[op] = converted
				continue
			}
			v, err := Scalar(operand, kind)
			if err != nil {
				return nil, errors.Trace(err)
			}
			out[op] = v
		}
		return out, nil
	}
	return Scalar(value, kind)
}

// asOperatorObject reports whether value is a map whose keys are all
// Mongo operators, in which case coercion descends into it.
func asOperatorObject(value interface{}) (map[string]interface{}, bool) {
	m, ok := value.(map[string]interface{})
	if !ok || len(m) == 0 {
		return nil, false
	}
	for k := range m {
		if len(k) == 0 || k[0] != '$' {
			return nil, false
		}
	}
	return m, true
}

// Scalar converts a single scalar value to the named kind. Values
// already of the target type are returned unchanged, which is what
// makes Apply idempotent.
func Scalar(value interface{}, kind string) (interface{}, error) {
	switch kind {
	case "uuid":
		return toUUID(value)
	case "date":
		return toDate(value)
	case "string":
		return toString(value)
	case "number":
		return toNumber(value)
	case "boolean":
		return toBoolean(value)
	}
	return nil, errors.WithType(errors.Errorf("unknown coercion type %q", kind), ErrInvalidValue)
}

func toUUID(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bson.Binary:
		if v.Kind == binaryUUID {
			return v, nil
		}
	case string:
		id, err := uuid.Parse(v)
		if err != nil {
			return nil, errors.WithType(errors.Errorf("%q is not a valid UUID", v), ErrInvalidValue)
		}
		return UUIDBinary(id), nil
	}
	return nil, errors.WithType(errors.Errorf("cannot coerce %T to uuid", value), ErrInvalidValue)
}

func toDate(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case time.Time:
		return v, nil
	case string:
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, errors.WithType(errors.Errorf("%q is not an ISO-8601 datetime", v), ErrInvalidValue)
		}
		return t.UTC(), nil
	}
	return nil, errors.WithType(errors.Errorf("cannot coerce %T to date", value), ErrInvalidValue)
}

func toString(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case string:
		return v, nil
	case bool:
		return strconv.FormatBool(v), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	case int:
		return strconv.Itoa(v), nil
	case int64:
		return strconv.FormatInt(v, 10), nil
	}
	return nil, errors.WithType(errors.Errorf("cannot coerce %T to string", value), ErrInvalidValue)
}

func toNumber(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case float64:
		return v, nil
	case int:
		return v, nil
	case int64:
		return v, nil
	case string:
		n, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return nil, errors.WithType(errors.Errorf("%q is not a number", v), ErrInvalidValue)
		}
		return n, nil
	}
	return nil, errors.WithType(errors.Errorf("cannot coerce %T to number", value), ErrInvalidValue)
}

func toBoolean(value interface{}) (interface{}, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch v {
		case "true":
			return true, nil
		case "false":
			return false, nil
		}
	}
	return nil, errors.WithType(errors.Errorf("cannot coerce %v to boolean", value), ErrInvalidValue)
}

// UUIDBinary wraps a parsed UUID as the BSON binary value stored in
// the database.
func UUIDBinary(id uuid.UUID) bson.Binary {
	data := make([]byte, 16)
	copy(data, id[:])
	return bson.Binary{Kind: binaryUUID, Data: data}
}

// UUIDString recovers the textual UUID from a stored binary, for
// rendering documents back over the wire.
func UUIDString(b bson.Binary) (string, bool) {
	if b.Kind != binaryUUID || len(b.Data) != 16 {
		return "", false
	}
	var id uuid.UUID
	copy(id[:], b.Data)
	return id.String(), true
}

// String renders a stored scalar for inclusion in human-readable
// output, undoing the native conversions where they apply.
func String(value interface{}) string {
	switch v := value.(type) {
	case bson.Binary:
		if s, ok := UUIDString(v); ok {
			return s
		}
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf("%v", value)
}
