// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/core/did"
)

// Action is the access being exercised against a document.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionExecute Action = "execute"
)

// aclFilter selects documents whose ACL grants the caller the action.
func aclFilter(caller did.DID, action Action) bson.M {
	return bson.M{
		aclField: bson.M{
			"$elemMatch": bson.M{
				"grantee":      caller.String(),
				string(action): true,
			},
		},
	}
}

// resolveAccess loads a collection and composes the caller's effective
// document filter for the given action. For standard collections only
// the owner gets through, with the user filter untouched; for owned
// collections the user filter is intersected with the ACL predicate.
// A missing collection is indistinguishable from a forbidden one.
//
// The user filter's coercion directive is applied here, before
// composition buries it below the top level where the gateway would no
// longer find it.
func (st *State) resolveAccess(
	ctx context.Context,
	caller did.DID,
	collectionID string,
	action Action,
	userFilter map[string]interface{},
) (Collection, map[string]interface{}, error) {
	c, err := st.collection(ctx, collectionID)
	if errors.Is(err, errors.NotFound) {
		return Collection{}, nil, errors.WithType(errors.Errorf("collection %q", collectionID), ErrResourceAccessDenied)
	} else if err != nil {
		return Collection{}, nil, errors.Trace(err)
	}

	coerced, err := coerce.Apply(userFilter)
	if err != nil {
		return Collection{}, nil, errors.WithType(errors.Trace(err), ErrDataValidation)
	}

	switch c.Type() {
	case CollectionStandard:
		if c.Owner() != caller {
			return Collection{}, nil, errors.WithType(errors.Errorf("collection %q", collectionID), ErrResourceAccessDenied)
		}
		if coerced == nil {
			coerced = map[string]interface{}{}
		}
		return c, coerced, nil
	case CollectionOwned:
		predicate := aclFilter(caller, action)
		if len(coerced) == 0 {
			return c, predicate, nil
		}
		return c, map[string]interface{}{
			"$and": []interface{}{coerced, predicate},
		}, nil
	}
	return Collection{}, nil, errors.Errorf("collection %q has unknown type %q", collectionID, c.Type())
}
