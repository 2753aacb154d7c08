// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"context"
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/utils/v4"

	"github.com/juju/nildb/core/did"
)

// RunStatus is the lifecycle state of a query run. The only legal
// sequence is pending, running, then complete or error.
type RunStatus string

const (
	RunPending  RunStatus = "pending"
	RunRunning  RunStatus = "running"
	RunComplete RunStatus = "complete"
	RunError    RunStatus = "error"
)

type queryRunDoc struct {
	ID          string        `bson:"_id"`
	Query       string        `bson:"query"`
	Requester   string        `bson:"requester"`
	Status      string        `bson:"status"`
	Variables   bson.M        `bson:"variables"`
	Result      []interface{} `bson:"result,omitempty"`
	Errors      []string      `bson:"errors,omitempty"`
	RequestedAt time.Time     `bson:"requested-at"`
	StartedAt   time.Time     `bson:"started-at,omitempty"`
	CompletedAt time.Time     `bson:"completed-at,omitempty"`
}

// QueryRun is the persisted record of one query execution.
type QueryRun struct {
	doc queryRunDoc
}

// ID returns the run's UUID.
func (r QueryRun) ID() string {
	return r.doc.ID
}

// Query returns the id of the query the run executes.
func (r QueryRun) Query() string {
	return r.doc.Query
}

// Requester returns the DID that started the run.
func (r QueryRun) Requester() did.DID {
	return did.DID(r.doc.Requester)
}

// Status returns the run's lifecycle state.
func (r QueryRun) Status() RunStatus {
	return RunStatus(r.doc.Status)
}

// Result returns the pipeline output of a complete run.
func (r QueryRun) Result() []interface{} {
	return r.doc.Result
}

// Errors returns the failure strings of an errored run.
func (r QueryRun) Errors() []string {
	return r.doc.Errors
}

// RequestedAt returns when the run was enqueued.
func (r QueryRun) RequestedAt() time.Time {
	return r.doc.RequestedAt
}

// CompletedAt returns when the run reached a terminal state.
func (r QueryRun) CompletedAt() time.Time {
	return r.doc.CompletedAt
}

// StartRun authorises and enqueues a run of the named query, in the
// pending state, and returns its id. The caller must own the query,
// or hold a capability chain rooted in the owner; root carries the
// chain's original issuer for that check. Variables are validated
// before anything is persisted.
func (st *State) StartRun(ctx context.Context, caller, root did.DID, queryID string, variables map[string]interface{}) (string, error) {
	id, err := st.startRun(ctx, caller, root, queryID, variables, RunPending)
	return id, errors.Trace(err)
}

// StartClaimedRun authorises a run and inserts it already in the
// running state, for synchronous execution by the requesting handler.
// Workers only claim pending runs, so a run born running cannot be
// taken away from its requester.
func (st *State) StartClaimedRun(ctx context.Context, caller, root did.DID, queryID string, variables map[string]interface{}) (string, error) {
	id, err := st.startRun(ctx, caller, root, queryID, variables, RunRunning)
	return id, errors.Trace(err)
}

func (st *State) startRun(ctx context.Context, caller, root did.DID, queryID string, variables map[string]interface{}, status RunStatus) (string, error) {
	q, err := st.query(ctx, queryID)
	if errors.Is(err, errors.NotFound) {
		return "", errors.WithType(errors.Errorf("query %q", queryID), ErrResourceAccessDenied)
	} else if err != nil {
		return "", errors.Trace(err)
	}
	if caller != q.Owner() && root != q.Owner() {
		return "", errors.WithType(errors.Errorf("query %q", queryID), ErrResourceAccessDenied)
	}
	validated, err := st.ValidateVariables(q.Variables(), variables)
	if err != nil {
		return "", errors.Trace(err)
	}

	id := utils.MustNewUUID().String()
	now := st.now()
	doc := queryRunDoc{
		ID:          id,
		Query:       queryID,
		Requester:   caller.String(),
		Status:      string(status),
		Variables:   bson.M(validated),
		RequestedAt: now,
	}
	if status == RunRunning {
		doc.StartedAt = now
	}
	if err := st.primary.C(queryRunsC).Insert(ctx, doc); err != nil {
		return "", errors.Trace(err)
	}
	logger.Debugf("enqueued run %s of query %s for %s", id, queryID, caller)
	return id, nil
}

// Run returns a run record. Only its requester may read it.
func (st *State) Run(ctx context.Context, caller did.DID, runID string) (QueryRun, error) {
	raw, err := st.primary.C(queryRunsC).FindOne(ctx, map[string]interface{}{"_id": runID})
	if errors.Is(err, mongoDocumentNotFound) {
		return QueryRun{}, errors.WithType(errors.Errorf("run %q", runID), ErrResourceAccessDenied)
	} else if err != nil {
		return QueryRun{}, errors.Trace(err)
	}
	var doc queryRunDoc
	if err := remarshal(raw, &doc); err != nil {
		return QueryRun{}, errors.Trace(err)
	}
	if doc.Requester != caller.String() {
		return QueryRun{}, errors.WithType(errors.Errorf("run %q", runID), ErrResourceAccessDenied)
	}
	return QueryRun{doc: doc}, nil
}

// ClaimPendingRun atomically moves the oldest pending run to running
// and returns its id, or a not-found error when the queue is empty.
// The guarded update makes concurrent claimants safe: only one wins.
func (st *State) ClaimPendingRun(ctx context.Context) (string, error) {
	runs := st.primary.C(queryRunsC)
	raws, err := runs.FindAll(ctx,
		map[string]interface{}{"status": string(RunPending)},
		findSort("requested-at"),
	)
	if err != nil {
		return "", errors.Trace(err)
	}
	for _, raw := range raws {
		id, _ := raw["_id"].(string)
		err := runs.UpdateOne(ctx,
			map[string]interface{}{"_id": id, "status": string(RunPending)},
			bson.M{"$set": bson.M{"status": string(RunRunning), "started-at": st.now()}},
		)
		if errors.Is(err, mongoDocumentNotFound) {
			// Lost the race for this one; try the next.
			continue
		} else if err != nil {
			return "", errors.Trace(err)
		}
		return id, nil
	}
	return "", errors.NotFoundf("pending run")
}

// ExecuteRun executes a claimed run to its terminal state: inject the
// validated variables, scope the pipeline by the execute ACL for
// owned collections, run it, and record the outcome. Execution
// failures land in the run record, not in the returned error.
func (st *State) ExecuteRun(ctx context.Context, runID string) error {
	raw, err := st.primary.C(queryRunsC).FindOne(ctx, map[string]interface{}{"_id": runID})
	if errors.Is(err, mongoDocumentNotFound) {
		return errors.NotFoundf("run %q", runID)
	} else if err != nil {
		return errors.Trace(err)
	}
	var doc queryRunDoc
	if err := remarshal(raw, &doc); err != nil {
		return errors.Trace(err)
	}
	if doc.Status != string(RunRunning) {
		return errors.Errorf("run %q is %s, not running", runID, doc.Status)
	}

	q, err := st.query(ctx, doc.Query)
	if errors.Is(err, errors.NotFound) {
		return errors.Trace(st.failRun(ctx, runID, "query no longer exists"))
	} else if err != nil {
		return errors.Trace(err)
	}

	pipeline, err := st.InjectVariables(q, map[string]interface{}(doc.Variables))
	if err != nil {
		return errors.Trace(st.failRun(ctx, runID, err.Error()))
	}

	c, err := st.collection(ctx, q.Collection())
	if errors.Is(err, errors.NotFound) {
		return errors.Trace(st.failRun(ctx, runID, "collection no longer exists"))
	} else if err != nil {
		return errors.Trace(err)
	}
	if c.Type() == CollectionOwned {
		pipeline = append([]interface{}{
			bson.M{"$match": aclFilter(q.Owner(), ActionExecute)},
		}, pipeline...)
	}

	results, err := st.data.C(q.Collection()).Pipe(ctx, pipeline)
	if err != nil {
		logger.Infof("run %s failed: %v", runID, err)
		return errors.Trace(st.failRun(ctx, runID, err.Error()))
	}
	rendered := make([]interface{}, len(results))
	for i, result := range results {
		rendered[i] = renderDoc(result)
	}
	return errors.Trace(st.completeRun(ctx, runID, rendered))
}

// completeRun records a successful result, guarded so a run can only
// complete from running.
func (st *State) completeRun(ctx context.Context, runID string, result []interface{}) error {
	err := st.primary.C(queryRunsC).UpdateOne(ctx,
		map[string]interface{}{"_id": runID, "status": string(RunRunning)},
		bson.M{"$set": bson.M{
			"status":       string(RunComplete),
			"result":       result,
			"completed-at": st.now(),
		}},
	)
	return errors.Trace(err)
}

// failRun records a failure, guarded the same way.
func (st *State) failRun(ctx context.Context, runID string, reason string) error {
	err := st.primary.C(queryRunsC).UpdateOne(ctx,
		map[string]interface{}{"_id": runID, "status": string(RunRunning)},
		bson.M{"$set": bson.M{
			"status":       string(RunError),
			"errors":       []string{reason},
			"completed-at": st.now(),
		}},
	)
	return errors.Trace(err)
}

// FailOrphanRuns fails every run left in running, for startup after a
// crash: whatever was in flight did not finish, and the ledger should
// say so.
func (st *State) FailOrphanRuns(ctx context.Context, reason string) (int, error) {
	matched, _, err := st.primary.C(queryRunsC).UpdateAll(ctx,
		map[string]interface{}{"status": string(RunRunning)},
		bson.M{"$set": bson.M{
			"status":       string(RunError),
			"errors":       []string{reason},
			"completed-at": st.now(),
		}},
	)
	if err != nil {
		return 0, errors.Trace(err)
	}
	if matched > 0 {
		logger.Infof("failed %d orphaned runs: %s", matched, reason)
	}
	return matched, nil
}
