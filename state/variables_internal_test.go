// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	stderrors "errors"
	"time"

	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"
)

type variablesSuite struct{}

var _ = gc.Suite(&variablesSuite{})

func (s *variablesSuite) TestParseVariablePath(c *gc.C) {
	segments, err := parseVariablePath("$.pipeline[0].$match.wallet")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(segments, gc.DeepEquals, []pathSegment{
		{key: "pipeline", index: 0, hasIndex: true},
		{key: "$match"},
		{key: "wallet"},
	})

	for _, bad := range []string{
		"pipeline[0].wallet",
		"$",
		"$..wallet",
		"$.pipeline[x].wallet",
		"$.pipeline[-1].wallet",
		"$.pipeline[0.wallet",
	} {
		_, err := parseVariablePath(bad)
		c.Assert(err, jc.ErrorIs, ErrVariableInjection, gc.Commentf("path %q", bad))
	}
}

func (s *variablesSuite) TestLookupPipelinePath(c *gc.C) {
	pipeline := []interface{}{
		map[string]interface{}{
			"$match": map[string]interface{}{
				"values": map[string]interface{}{
					"$in": []interface{}{"a", "b"},
				},
			},
		},
	}

	leaf, found, err := lookupPipelinePath("$.pipeline[0].$match.values.$in[1]", pipeline)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	c.Assert(leaf, gc.Equals, "b")

	_, found, err = lookupPipelinePath("$.pipeline[0].$match.absent", pipeline)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)

	_, found, err = lookupPipelinePath("$.pipeline[5].$match", pipeline)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsFalse)
}

func (s *variablesSuite) TestSetPipelinePathDeep(c *gc.C) {
	pipeline := []interface{}{
		map[string]interface{}{
			"$match": map[string]interface{}{
				"values": map[string]interface{}{
					"$in": []interface{}{"a", "b"},
				},
			},
		},
	}
	err := setPipelinePath("$.pipeline[0].$match.values.$in[0]", pipeline, "replaced")
	c.Assert(err, jc.ErrorIsNil)
	leaf, found, err := lookupPipelinePath("$.pipeline[0].$match.values.$in[0]", pipeline)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(found, jc.IsTrue)
	c.Assert(leaf, gc.Equals, "replaced")

	err = setPipelinePath("$.pipeline[0].$match.absent", pipeline, "x")
	c.Assert(err, jc.ErrorIs, ErrVariableInjection)
}

func (s *variablesSuite) TestLeafType(c *gc.C) {
	c.Check(leafType("hello"), gc.Equals, "string")
	c.Check(leafType("2025-06-01T12:00:00Z"), gc.Equals, "date")
	c.Check(leafType("a3bb189e-8bf9-3888-9912-ace4e6543002"), gc.Equals, "uuid")
	c.Check(leafType(true), gc.Equals, "boolean")
	c.Check(leafType(3.5), gc.Equals, "number")
	c.Check(leafType(int64(3)), gc.Equals, "number")
	c.Check(leafType([]interface{}{"a"}), gc.Equals, "array")
}

func (s *variablesSuite) TestValidatePipelineLeaves(c *gc.C) {
	ok := []interface{}{
		map[string]interface{}{"$match": map[string]interface{}{
			"name":   "x",
			"labels": []interface{}{"a", "2025-06-01T12:00:00Z"},
		}},
	}
	c.Assert(validatePipelineLeaves(ok), jc.ErrorIsNil)

	withNull := []interface{}{
		map[string]interface{}{"$match": map[string]interface{}{"name": nil}},
	}
	c.Assert(validatePipelineLeaves(withNull), jc.ErrorIs, ErrDataValidation)

	mixed := []interface{}{
		map[string]interface{}{"$match": map[string]interface{}{
			"values": []interface{}{"a", 1},
		}},
	}
	c.Assert(validatePipelineLeaves(mixed), jc.ErrorIs, ErrDataValidation)
}

func (s *variablesSuite) TestValidateVariables(c *gc.C) {
	st := &State{}
	spec := map[string]VariableSpec{
		"wallet": {Path: "$.pipeline[0].$match.wallet", Type: "string"},
		"since":  {Path: "$.pipeline[0].$match.since", Type: "date", Optional: true},
	}

	validated, err := st.ValidateVariables(spec, map[string]interface{}{"wallet": "w1"})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(validated, gc.DeepEquals, map[string]interface{}{"wallet": "w1"})

	// An optional present value is coerced to its recorded type.
	validated, err = st.ValidateVariables(spec, map[string]interface{}{
		"wallet": "w1",
		"since":  "2025-06-01T12:00:00Z",
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(validated["since"], gc.FitsTypeOf, time.Time{})

	_, err = st.ValidateVariables(spec, map[string]interface{}{"surprise": true})
	c.Assert(err, jc.ErrorIs, ErrDataValidation)
	var verr *ValidationError
	c.Assert(stderrors.As(err, &verr), jc.IsTrue)
	c.Assert(verr.Issues, gc.DeepEquals, []string{"missing=wallet", "unexpected=surprise"})
}

func (s *variablesSuite) TestValidateVariablesRejectsShapes(c *gc.C) {
	st := &State{}
	spec := map[string]VariableSpec{"v": {Path: "$.pipeline[0].$match.v", Type: "string"}}

	_, err := st.ValidateVariables(spec, map[string]interface{}{"v": nil})
	c.Assert(err, jc.ErrorIs, ErrDataValidation)

	_, err = st.ValidateVariables(spec, map[string]interface{}{
		"v": map[string]interface{}{"nested": true},
	})
	c.Assert(err, jc.ErrorIs, ErrDataValidation)

	// Arrays of scalars are fine.
	validated, err := st.ValidateVariables(spec, map[string]interface{}{
		"v": []interface{}{"a", "b"},
	})
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(validated["v"], gc.DeepEquals, []interface{}{"a", "b"})
}

func (s *variablesSuite) TestInjectVariables(c *gc.C) {
	st := &State{}
	q := Query{doc: queryDoc{
		Variables: map[string]variableSpecDoc{
			"wallet": {Path: "$.pipeline[0].$match.wallet", Type: "string"},
		},
		Pipeline: []interface{}{
			map[string]interface{}{"$match": map[string]interface{}{"wallet": "default"}},
		},
	}}

	pipeline, err := st.InjectVariables(q, map[string]interface{}{"wallet": "w9"})
	c.Assert(err, jc.ErrorIsNil)
	stage := pipeline[0].(map[string]interface{})
	match := stage["$match"].(map[string]interface{})
	c.Assert(match["wallet"], gc.Equals, "w9")

	// The stored pipeline keeps its default.
	original := q.Pipeline()[0].(map[string]interface{})["$match"].(map[string]interface{})
	c.Assert(original["wallet"], gc.Equals, "default")

	_, err = st.InjectVariables(q, map[string]interface{}{"ghost": 1})
	c.Assert(err, jc.ErrorIs, ErrVariableInjection)
}
