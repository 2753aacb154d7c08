// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package nuc

import (
	"encoding/json"
	"reflect"
	"strings"

	"github.com/juju/errors"
)

// Policy operators.
const (
	OpEquals    = "=="
	OpNotEquals = "!="
)

// Policy is one caveat attached to a delegation. It constrains an
// attribute of the request the eventual invocation is used for, named
// by a $-rooted selector path.
type Policy struct {
	Op       string
	Selector string
	Value    interface{}
}

// Equals constrains the selected attribute to equal value.
func Equals(selector string, value interface{}) Policy {
	return Policy{Op: OpEquals, Selector: selector, Value: value}
}

// NotEquals constrains the selected attribute to differ from value.
func NotEquals(selector string, value interface{}) Policy {
	return Policy{Op: OpNotEquals, Selector: selector, Value: value}
}

// MarshalJSON renders the policy in its wire form, a three-element
// [op, selector, value] array.
func (p Policy) MarshalJSON() ([]byte, error) {
	return json.Marshal([]interface{}{p.Op, p.Selector, p.Value})
}

// UnmarshalJSON parses the [op, selector, value] wire form.
func (p *Policy) UnmarshalJSON(data []byte) error {
	var triple []interface{}
	if err := json.Unmarshal(data, &triple); err != nil {
		return errors.Trace(err)
	}
	if len(triple) != 3 {
		return errors.Errorf("policy must have 3 elements, got %d", len(triple))
	}
	op, ok := triple[0].(string)
	if !ok {
		return errors.New("policy operator must be a string")
	}
	switch op {
	case OpEquals, OpNotEquals:
	default:
		return errors.Errorf("unknown policy operator %q", op)
	}
	selector, ok := triple[1].(string)
	if !ok {
		return errors.New("policy selector must be a string")
	}
	p.Op = op
	p.Selector = selector
	p.Value = triple[2]
	return nil
}

// Attributes describe the request an invocation is being used for, for
// policy evaluation. Nested maps are addressed by selector path.
type Attributes map[string]interface{}

// Holds reports whether the policy is satisfied by the given request
// attributes. An equality policy on an absent attribute fails; an
// inequality policy on an absent attribute holds.
func (p Policy) Holds(attrs Attributes) bool {
	value, found := resolveSelector(p.Selector, attrs)
	switch p.Op {
	case OpEquals:
		return found && reflect.DeepEqual(value, p.Value)
	case OpNotEquals:
		return !found || !reflect.DeepEqual(value, p.Value)
	}
	return false
}

// resolveSelector walks a $.a.b.c path through nested maps.
func resolveSelector(selector string, attrs Attributes) (interface{}, bool) {
	parts := strings.Split(selector, ".")
	if len(parts) < 2 || parts[0] != "$" {
		return nil, false
	}
	var current interface{} = map[string]interface{}(attrs)
	for _, part := range parts[1:] {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil, false
		}
		current, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return current, true
}
