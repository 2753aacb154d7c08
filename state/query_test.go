// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state_test

import (
	"context"
	stderrors "errors"

	"github.com/juju/errors"
	jc "github.com/juju/testing/checkers"
	"github.com/juju/utils/v4"
	gc "gopkg.in/check.v1"

	"github.com/juju/nildb/core/did"
	"github.com/juju/nildb/state"
)

type querySuite struct {
	ConnSuite

	coll state.Collection
}

var _ = gc.Suite(&querySuite{})

func (s *querySuite) SetUpTest(c *gc.C) {
	s.ConnSuite.SetUpTest(c)
	s.coll = s.addCollection(c, state.CollectionStandard)
}

func (s *querySuite) addQuery(c *gc.C) state.Query {
	q, err := s.State.CreateQuery(context.Background(), s.Builder.DID(), state.QueryArgs{
		Name:       "by-name",
		Collection: s.coll.ID(),
		Variables: map[string]state.VariableSpec{
			"wanted": {Path: "$.pipeline[0].$match.name"},
		},
		Pipeline: []map[string]interface{}{
			{"$match": map[string]interface{}{"name": "placeholder"}},
			{"$count": "total"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	return q
}

func (s *querySuite) TestCreateQuery(c *gc.C) {
	q := s.addQuery(c)
	c.Assert(utils.IsValidUUIDString(q.ID()), jc.IsTrue)
	c.Assert(q.Owner(), gc.Equals, s.Builder.DID())
	c.Assert(q.Collection(), gc.Equals, s.coll.ID())

	// The variable's type is recorded from the pipeline default.
	vars := q.Variables()
	c.Assert(vars, gc.HasLen, 1)
	c.Assert(vars["wanted"].Type, gc.Equals, "string")
}

func (s *querySuite) TestCreateQueryValidation(c *gc.C) {
	ctx := context.Background()

	_, err := s.State.CreateQuery(ctx, s.Builder.DID(), state.QueryArgs{
		Name:       "",
		Collection: s.coll.ID(),
		Pipeline:   []map[string]interface{}{{"$count": "total"}},
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	_, err = s.State.CreateQuery(ctx, s.Builder.DID(), state.QueryArgs{
		Name:       "empty",
		Collection: s.coll.ID(),
	})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)

	// Another builder's collection looks like it does not exist.
	other := s.newBuilder(c, "rival")
	_, err = s.State.CreateQuery(ctx, other.DID(), state.QueryArgs{
		Name:       "stolen",
		Collection: s.coll.ID(),
		Pipeline:   []map[string]interface{}{{"$count": "total"}},
	})
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)
}

func (s *querySuite) TestCreateQueryForbiddenStages(c *gc.C) {
	for _, stage := range []string{"$lookup", "$out", "$merge", "$unionWith"} {
		_, err := s.State.CreateQuery(context.Background(), s.Builder.DID(), state.QueryArgs{
			Name:       "escape",
			Collection: s.coll.ID(),
			Pipeline: []map[string]interface{}{
				{stage: map[string]interface{}{"coll": "other"}},
			},
		})
		c.Assert(err, jc.ErrorIs, state.ErrDataValidation, gc.Commentf("stage %s", stage))
	}
}

func (s *querySuite) TestCreateQueryUnresolvableVariable(c *gc.C) {
	_, err := s.State.CreateQuery(context.Background(), s.Builder.DID(), state.QueryArgs{
		Name:       "dangling",
		Collection: s.coll.ID(),
		Variables: map[string]state.VariableSpec{
			"wanted": {Path: "$.pipeline[3].$match.name"},
		},
		Pipeline: []map[string]interface{}{{"$count": "total"}},
	})
	c.Assert(err, jc.ErrorIs, state.ErrVariableInjection)
}

func (s *querySuite) TestQueryAccess(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)

	got, err := s.State.Query(ctx, s.Builder.DID(), q.ID())
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(got.Name(), gc.Equals, "by-name")

	other := s.newBuilder(c, "rival")
	_, err = s.State.Query(ctx, other.DID(), q.ID())
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)
	_, err = s.State.Query(ctx, other.DID(), utils.MustNewUUID().String())
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)
}

func (s *querySuite) TestRemoveQuery(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)
	err := s.State.RemoveQuery(ctx, s.Builder.DID(), q.ID())
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.State.Query(ctx, s.Builder.DID(), q.ID())
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)
}

func (s *querySuite) seedDocs(c *gc.C, names ...string) {
	records := make([]map[string]interface{}, len(names))
	for i, name := range names {
		records[i] = record(name)
	}
	_, err := s.State.CreateStandard(context.Background(), s.Builder.DID(), s.coll.ID(), records)
	c.Assert(err, jc.ErrorIsNil)
}

func (s *querySuite) TestRunLifecycle(c *gc.C) {
	ctx := context.Background()
	s.seedDocs(c, "x", "x", "y")
	q := s.addQuery(c)

	runID, err := s.State.StartRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIsNil)

	run, err := s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunPending)

	claimed, err := s.State.ClaimPendingRun(ctx)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(claimed, gc.Equals, runID)
	err = s.State.ExecuteRun(ctx, runID)
	c.Assert(err, jc.ErrorIsNil)

	run, err = s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunComplete)
	c.Assert(run.Result(), gc.HasLen, 1)
	first, ok := run.Result()[0].(map[string]interface{})
	c.Assert(ok, jc.IsTrue)
	c.Assert(first["total"], gc.Equals, 2)
	c.Assert(run.CompletedAt().IsZero(), jc.IsFalse)
}

func (s *querySuite) TestStartRunVariableMismatch(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)

	_, err := s.State.StartRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"surprise": "x"})
	c.Assert(err, jc.ErrorIs, state.ErrDataValidation)
	var verr *state.ValidationError
	c.Assert(stderrors.As(err, &verr), jc.IsTrue)
	c.Assert(verr.Issues, jc.SameContents, []string{"missing=wanted", "unexpected=surprise"})

	// Nothing was enqueued.
	_, err = s.State.ClaimPendingRun(ctx)
	c.Assert(err, jc.ErrorIs, errors.NotFound)
}

func (s *querySuite) TestStartRunDelegatedRoot(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)
	delegate, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)

	// A chain rooted in the owner authorises its holder.
	runID, err := s.State.StartRun(ctx, delegate.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIsNil)

	// The delegate, as requester, may read the run; the owner may not.
	_, err = s.State.Run(ctx, delegate.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)

	// A chain rooted elsewhere does not.
	_, err = s.State.StartRun(ctx, delegate.DID(), delegate.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIs, state.ErrResourceAccessDenied)
}

func (s *querySuite) TestStartClaimedRun(c *gc.C) {
	ctx := context.Background()
	s.seedDocs(c, "x")
	q := s.addQuery(c)
	runID, err := s.State.StartClaimedRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIsNil)

	run, err := s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunRunning)

	// The worker's queue never sees it.
	_, err = s.State.ClaimPendingRun(ctx)
	c.Assert(err, jc.ErrorIs, errors.NotFound)

	err = s.State.ExecuteRun(ctx, runID)
	c.Assert(err, jc.ErrorIsNil)
	run, err = s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunComplete)
}

func (s *querySuite) TestExecuteRunRequiresRunning(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)
	runID, err := s.State.StartRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIsNil)

	err = s.State.ExecuteRun(ctx, runID)
	c.Assert(err, gc.ErrorMatches, `run .* is pending, not running`)
}

func (s *querySuite) TestExecuteRunQueryGone(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)
	runID, err := s.State.StartClaimedRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIsNil)

	err = s.State.RemoveQuery(ctx, s.Builder.DID(), q.ID())
	c.Assert(err, jc.ErrorIsNil)

	err = s.State.ExecuteRun(ctx, runID)
	c.Assert(err, jc.ErrorIsNil)
	run, err := s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunError)
	c.Assert(run.Errors(), gc.DeepEquals, []string{"query no longer exists"})
}

func (s *querySuite) TestFailOrphanRuns(c *gc.C) {
	ctx := context.Background()
	q := s.addQuery(c)
	runID, err := s.State.StartClaimedRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(),
		map[string]interface{}{"wanted": "x"})
	c.Assert(err, jc.ErrorIsNil)

	failed, err := s.State.FailOrphanRuns(ctx, "restarted")
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(failed, gc.Equals, 1)

	run, err := s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunError)
}

func (s *querySuite) TestRunOverOwnedCollectionScopedByACL(c *gc.C) {
	ctx := context.Background()
	owned := s.addOwnedCollection(c)
	user, err := did.NewKeyPair()
	c.Assert(err, jc.ErrorIsNil)
	_, err = s.State.CreateOwned(ctx, s.Builder.DID(), state.OwnedCreateArgs{
		Collection: owned.ID(),
		Owner:      user.DID(),
		Records: []map[string]interface{}{
			{"_id": utils.MustNewUUID().String(), "name": "counted"},
		},
		Acl: state.AclEntry{Grantee: s.Builder.DID(), Read: true},
	})
	c.Assert(err, jc.ErrorIsNil)

	q, err := s.State.CreateQuery(ctx, s.Builder.DID(), state.QueryArgs{
		Name:       "count-all",
		Collection: owned.ID(),
		Pipeline:   []map[string]interface{}{{"$count": "total"}},
	})
	c.Assert(err, jc.ErrorIsNil)

	runID, err := s.State.StartClaimedRun(ctx, s.Builder.DID(), s.Builder.DID(), q.ID(), nil)
	c.Assert(err, jc.ErrorIsNil)
	err = s.State.ExecuteRun(ctx, runID)
	c.Assert(err, jc.ErrorIsNil)

	run, err := s.State.Run(ctx, s.Builder.DID(), runID)
	c.Assert(err, jc.ErrorIsNil)
	c.Assert(run.Status(), gc.Equals, state.RunComplete)
	c.Assert(run.Result(), gc.HasLen, 1)
	first := run.Result()[0].(map[string]interface{})
	c.Assert(first["total"], gc.Equals, 1)
}

func (s *querySuite) addOwnedCollection(c *gc.C) state.Collection {
	coll, err := s.State.CreateCollection(context.Background(), s.Builder.DID(), state.CollectionArgs{
		Name: "owned-readings",
		Type: state.CollectionOwned,
		Schema: map[string]interface{}{
			"type": "object",
			"properties": map[string]interface{}{
				"_id":  map[string]interface{}{"type": "string"},
				"name": map[string]interface{}{"type": "string"},
			},
			"required": []interface{}{"name"},
		},
	})
	c.Assert(err, jc.ErrorIsNil)
	return coll
}
