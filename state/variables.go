// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/coerce"
)

// Variable paths address positions inside a query pipeline:
//
//	$.pipeline[0].$match.wallet
//
// A segment is a key with an optional [index]; the root "$" stands
// for the query document itself.

type pathSegment struct {
	key      string
	index    int
	hasIndex bool
}

func parseVariablePath(path string) ([]pathSegment, error) {
	parts := strings.Split(path, ".")
	if len(parts) < 2 || parts[0] != "$" {
		return nil, errors.WithType(errors.Errorf("variable path %q must start with $.", path), ErrVariableInjection)
	}
	segments := make([]pathSegment, 0, len(parts)-1)
	for _, part := range parts[1:] {
		if part == "" {
			return nil, errors.WithType(errors.Errorf("variable path %q has an empty segment", path), ErrVariableInjection)
		}
		seg := pathSegment{key: part}
		if open := strings.IndexByte(part, '['); open >= 0 {
			if !strings.HasSuffix(part, "]") {
				return nil, errors.WithType(errors.Errorf("variable path %q has a malformed index", path), ErrVariableInjection)
			}
			idx, err := strconv.Atoi(part[open+1 : len(part)-1])
			if err != nil || idx < 0 {
				return nil, errors.WithType(errors.Errorf("variable path %q has a malformed index", path), ErrVariableInjection)
			}
			seg.key = part[:open]
			seg.index = idx
			seg.hasIndex = true
		}
		segments = append(segments, seg)
	}
	return segments, nil
}

// lookupPipelinePath resolves a variable path against a pipeline,
// returning the value at the position if the path exists.
func lookupPipelinePath(path string, pipeline []interface{}) (interface{}, bool, error) {
	segments, err := parseVariablePath(path)
	if err != nil {
		return nil, false, errors.Trace(err)
	}
	var current interface{} = map[string]interface{}{"pipeline": pipeline}
	for _, seg := range segments {
		m, ok := asMap(current)
		if !ok {
			return nil, false, nil
		}
		current, ok = m[seg.key]
		if !ok {
			return nil, false, nil
		}
		if seg.hasIndex {
			list, ok := asList(current)
			if !ok || seg.index >= len(list) {
				return nil, false, nil
			}
			current = list[seg.index]
		}
	}
	return current, true, nil
}

// setPipelinePath replaces the value at a variable path. The pipeline
// must already be a private copy; substitution happens in place.
func setPipelinePath(path string, pipeline []interface{}, value interface{}) error {
	segments, err := parseVariablePath(path)
	if err != nil {
		return errors.Trace(err)
	}
	root := map[string]interface{}{"pipeline": pipeline}
	var parentMap map[string]interface{}
	var parentList []interface{}
	var parentKey string
	var parentIndex int

	var current interface{} = root
	for _, seg := range segments {
		m, ok := asMap(current)
		if !ok {
			return errors.WithType(errors.Errorf("variable path %q not found", path), ErrVariableInjection)
		}
		next, ok := m[seg.key]
		if !ok {
			return errors.WithType(errors.Errorf("variable path %q not found", path), ErrVariableInjection)
		}
		if seg.hasIndex {
			list, ok := asList(next)
			if !ok || seg.index >= len(list) {
				return errors.WithType(errors.Errorf("variable path %q not found", path), ErrVariableInjection)
			}
			parentMap, parentList, parentKey, parentIndex = nil, list, "", seg.index
			current = list[seg.index]
		} else {
			parentMap, parentList, parentKey = m, nil, seg.key
			current = next
		}
	}
	if parentList != nil {
		parentList[parentIndex] = value
	} else if parentMap != nil {
		parentMap[parentKey] = value
	} else {
		return errors.WithType(errors.Errorf("variable path %q not found", path), ErrVariableInjection)
	}
	return nil
}

func asMap(value interface{}) (map[string]interface{}, bool) {
	switch v := value.(type) {
	case map[string]interface{}:
		return v, true
	case bson.M:
		return v, true
	}
	return nil, false
}

func asList(value interface{}) ([]interface{}, bool) {
	v, ok := value.([]interface{})
	return v, ok
}

// leafType names the runtime type a pipeline leaf stands for. String
// leaves that parse as datetimes or UUIDs record the richer type, so
// runtime values are coerced to match.
func leafType(value interface{}) string {
	switch v := value.(type) {
	case string:
		if _, err := time.Parse(time.RFC3339, v); err == nil {
			return "date"
		}
		if _, err := uuid.Parse(v); err == nil {
			return "uuid"
		}
		return "string"
	case bool:
		return "boolean"
	case float64, int, int64:
		return "number"
	case []interface{}:
		return "array"
	}
	return ""
}

// validatePipelineLeaves walks every leaf of a pipeline and rejects
// values that have no representable type. Arrays must be homogeneous.
func validatePipelineLeaves(pipeline []interface{}) error {
	for i, stage := range pipeline {
		if err := validateLeaf(stage); err != nil {
			return errors.Annotatef(err, "stage %d", i)
		}
	}
	return nil
}

func validateLeaf(value interface{}) error {
	switch v := value.(type) {
	case nil:
		return errors.WithType(errors.New("unsupported value type"), ErrDataValidation)
	case string, bool, float64, int, int64:
		return nil
	case map[string]interface{}:
		for _, inner := range v {
			if err := validateLeaf(inner); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	case bson.M:
		for _, inner := range v {
			if err := validateLeaf(inner); err != nil {
				return errors.Trace(err)
			}
		}
		return nil
	case []interface{}:
		elemType := ""
		for _, elem := range v {
			if err := validateLeaf(elem); err != nil {
				return errors.Trace(err)
			}
			if _, isMap := asMap(elem); isMap {
				continue
			}
			t := leafType(elem)
			if elemType == "" {
				elemType = t
			} else if t != elemType && !(t == "string" && isStringKind(elemType)) && !(elemType == "string" && isStringKind(t)) {
				return errors.WithType(errors.New("array is not homogeneous"), ErrDataValidation)
			}
		}
		return nil
	}
	return errors.WithType(errors.Errorf("unsupported value type %T", value), ErrDataValidation)
}

// date and uuid are refinements of string; mixing them with plain
// strings in one array is allowed.
func isStringKind(t string) bool {
	return t == "string" || t == "date" || t == "uuid"
}

// ValidateVariables checks a run's supplied variables against the
// query's declared specs: every required variable present, nothing
// extra, every value of a representable type. Values whose spec
// records a richer type are coerced to it. The returned map is what
// injection consumes.
func (st *State) ValidateVariables(spec map[string]VariableSpec, runtime map[string]interface{}) (map[string]interface{}, error) {
	var issues []string
	for name := range runtime {
		if _, ok := spec[name]; !ok {
			issues = append(issues, fmt.Sprintf("unexpected=%s", name))
		}
	}
	for name, s := range spec {
		if s.Optional {
			continue
		}
		if _, ok := runtime[name]; !ok {
			issues = append(issues, fmt.Sprintf("missing=%s", name))
		}
	}
	if len(issues) > 0 {
		sort.Strings(issues)
		return nil, errors.Trace(NewValidationError("variable validation failed", issues...))
	}

	validated := make(map[string]interface{}, len(runtime))
	for name, value := range runtime {
		s := spec[name]
		converted, err := validateVariableValue(name, value, s.Type)
		if err != nil {
			return nil, errors.Trace(err)
		}
		validated[name] = converted
	}
	return validated, nil
}

func validateVariableValue(name string, value interface{}, recordedType string) (interface{}, error) {
	switch v := value.(type) {
	case nil:
		return nil, errors.Trace(NewValidationError("variable validation failed",
			fmt.Sprintf("variable %q cannot be null", name)))
	case map[string]interface{}:
		return nil, errors.Trace(NewValidationError("variable validation failed",
			fmt.Sprintf("variable %q cannot be an object", name)))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			converted, err := validateVariableValue(name, elem, "")
			if err != nil {
				return nil, errors.Trace(err)
			}
			out[i] = converted
		}
		return out, nil
	case string, bool, float64, int, int64:
		switch recordedType {
		case "date", "uuid":
			converted, err := coerce.Scalar(v, recordedType)
			if err != nil {
				return nil, errors.WithType(errors.Annotatef(err, "variable %q", name), ErrDataValidation)
			}
			return converted, nil
		}
		return v, nil
	}
	return nil, errors.Trace(NewValidationError("variable validation failed",
		fmt.Sprintf("variable %q has unsupported type %T", name, value)))
}

// InjectVariables substitutes validated runtime values into a private
// copy of the query's pipeline.
func (st *State) InjectVariables(q Query, validated map[string]interface{}) ([]interface{}, error) {
	pipeline := q.Pipeline()
	spec := q.Variables()
	for name, value := range validated {
		s, ok := spec[name]
		if !ok {
			return nil, errors.WithType(errors.Errorf("variable %q is not declared", name), ErrVariableInjection)
		}
		if err := setPipelinePath(s.Path, pipeline, value); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return pipeline, nil
}

// deepCopyValue and deepCopyList produce private copies of pipeline
// structures so injection never mutates shared state.
func deepCopyValue(value interface{}) interface{} {
	switch v := value.(type) {
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = deepCopyValue(inner)
		}
		return out
	case bson.M:
		out := make(map[string]interface{}, len(v))
		for k, inner := range v {
			out[k] = deepCopyValue(inner)
		}
		return out
	case []interface{}:
		return deepCopyList(v)
	}
	return value
}

func deepCopyList(list []interface{}) []interface{} {
	out := make([]interface{}, len(list))
	for i, elem := range list {
		out[i] = deepCopyValue(elem)
	}
	return out
}
