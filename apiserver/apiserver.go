// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package apiserver exposes the v1 HTTP API. Each route is wrapped in
// the same pipeline: maintenance gate, credential verification,
// caller loading, command enforcement, then the handler. Handlers
// return errors; a single encoder turns them into the wire envelope.
package apiserver

import (
	"net/http"
	"strings"
	"sync/atomic"
	"time"

	"github.com/gorilla/mux"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"

	"github.com/juju/nildb/core/command"
	"github.com/juju/nildb/core/did"
	"github.com/juju/nildb/internal/nuc"
	"github.com/juju/nildb/state"
)

var logger = loggo.GetLogger("nildb.apiserver")

// Required commands per route family.
var (
	cmdBuildersCreate    = command.MustParse("nil/db/builders/create")
	cmdBuildersRead      = command.MustParse("nil/db/builders/read")
	cmdBuildersUpdate    = command.MustParse("nil/db/builders/update")
	cmdBuildersDelete    = command.MustParse("nil/db/builders/delete")
	cmdCollectionsRead   = command.MustParse("nil/db/collections/read")
	cmdCollectionsCreate = command.MustParse("nil/db/collections/create")
	cmdCollectionsUpdate = command.MustParse("nil/db/collections/update")
	cmdCollectionsDelete = command.MustParse("nil/db/collections/delete")
	cmdDataCreate        = command.MustParse("nil/db/data/create")
	cmdDataRead          = command.MustParse("nil/db/data/read")
	cmdDataUpdate        = command.MustParse("nil/db/data/update")
	cmdDataDelete        = command.MustParse("nil/db/data/delete")
	cmdQueriesRead       = command.MustParse("nil/db/queries/read")
	cmdQueriesCreate     = command.MustParse("nil/db/queries/create")
	cmdQueriesDelete     = command.MustParse("nil/db/queries/delete")
	cmdQueriesExecute    = command.MustParse("nil/db/queries/execute")
	cmdUsersRead         = command.MustParse("nil/db/users/read")
	cmdUsersUpdate       = command.MustParse("nil/db/users/update")
	cmdUsersDelete       = command.MustParse("nil/db/users/delete")
	cmdSystem            = command.MustParse("nil/db/system")
)

// callerKind selects how the middleware resolves the caller record.
type callerKind int

const (
	// callerNone: public route, no credential required.
	callerNone callerKind = iota
	// callerBuilder: the caller must be a registered builder.
	callerBuilder
	// callerUser: the caller must be a known user.
	callerUser
	// callerAdmin: the credential chain must be rooted in the node's
	// own identity.
	callerAdmin
	// callerAny: any verified principal, no record lookup.
	callerAny
)

// Config holds the server's dependencies.
type Config struct {
	State    *state.State
	Verifier *nuc.Verifier
	Journal  *nuc.RevocationJournal
	Node     did.DID
	Clock    clock.Clock
	Version  string
}

// Validate checks the configuration is complete.
func (c Config) Validate() error {
	if c.State == nil {
		return errors.NotValidf("nil State")
	}
	if c.Verifier == nil {
		return errors.NotValidf("nil Verifier")
	}
	if c.Journal == nil {
		return errors.NotValidf("nil Journal")
	}
	if err := c.Node.Validate(); err != nil {
		return errors.Trace(err)
	}
	if c.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	return nil
}

// Server is the v1 HTTP API.
type Server struct {
	st       *state.State
	verifier *nuc.Verifier
	journal  *nuc.RevocationJournal
	node     did.DID
	clock    clock.Clock
	version  string
	started  time.Time

	maintenance atomic.Bool
	router      *mux.Router
}

// NewServer builds the server and its route table.
func NewServer(config Config) (*Server, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Trace(err)
	}
	s := &Server{
		st:       config.State,
		verifier: config.Verifier,
		journal:  config.Journal,
		node:     config.Node,
		clock:    config.Clock,
		version:  config.Version,
		started:  config.Clock.Now().UTC(),
	}
	s.router = s.routes()
	return s, nil
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() *mux.Router {
	r := mux.NewRouter()
	v1 := r.PathPrefix("/v1").Subrouter()

	v1.Handle("/builders/register", s.handle(cmdBuildersCreate, callerAny, s.registerBuilder)).Methods("POST")
	v1.Handle("/builders/me", s.handle(cmdBuildersRead, callerBuilder, s.readBuilder)).Methods("GET")
	v1.Handle("/builders/me", s.handle(cmdBuildersUpdate, callerBuilder, s.updateBuilder)).Methods("POST")
	v1.Handle("/builders/me", s.handle(cmdBuildersDelete, callerBuilder, s.deleteBuilder)).Methods("DELETE")

	v1.Handle("/collections", s.handle(cmdCollectionsRead, callerBuilder, s.listCollections)).Methods("GET")
	v1.Handle("/collections", s.handle(cmdCollectionsCreate, callerBuilder, s.createCollection)).Methods("POST")
	v1.Handle("/collections/{id}", s.handle(cmdCollectionsRead, callerBuilder, s.readCollection)).Methods("GET")
	v1.Handle("/collections/{id}", s.handle(cmdCollectionsDelete, callerBuilder, s.deleteCollection)).Methods("DELETE")
	v1.Handle("/collections/{id}/indexes", s.handle(cmdCollectionsUpdate, callerBuilder, s.createIndex)).Methods("POST")
	v1.Handle("/collections/{id}/indexes/{name}", s.handle(cmdCollectionsUpdate, callerBuilder, s.dropIndex)).Methods("DELETE")

	v1.Handle("/data/standard", s.handle(cmdDataCreate, callerBuilder, s.createStandard)).Methods("POST")
	v1.Handle("/data/owned", s.handle(cmdDataCreate, callerBuilder, s.createOwned)).Methods("POST")
	v1.Handle("/data/find", s.handle(cmdDataRead, callerBuilder, s.findData)).Methods("POST")
	v1.Handle("/data/update", s.handle(cmdDataUpdate, callerBuilder, s.updateData)).Methods("POST")
	v1.Handle("/data/delete", s.handle(cmdDataDelete, callerBuilder, s.deleteData)).Methods("POST")
	v1.Handle("/data/{id}/flush", s.handle(cmdDataDelete, callerBuilder, s.flushData)).Methods("DELETE")
	v1.Handle("/data/{id}/tail", s.handle(cmdDataRead, callerBuilder, s.tailData)).Methods("GET")

	v1.Handle("/queries", s.handle(cmdQueriesRead, callerBuilder, s.listQueries)).Methods("GET")
	v1.Handle("/queries", s.handle(cmdQueriesCreate, callerBuilder, s.createQuery)).Methods("POST")
	v1.Handle("/queries/run", s.handle(cmdQueriesExecute, callerBuilder, s.runQuery)).Methods("POST")
	v1.Handle("/queries/runs/{id}", s.handle(cmdQueriesRead, callerBuilder, s.readRun)).Methods("GET")
	v1.Handle("/queries/{id}", s.handle(cmdQueriesRead, callerBuilder, s.readQuery)).Methods("GET")
	v1.Handle("/queries/{id}", s.handle(cmdQueriesDelete, callerBuilder, s.deleteQuery)).Methods("DELETE")

	v1.Handle("/users/me/data", s.handle(cmdUsersRead, callerUser, s.listUserData)).Methods("GET")
	v1.Handle("/users/data/acl/grant", s.handle(cmdUsersUpdate, callerUser, s.grantAccess)).Methods("POST")
	v1.Handle("/users/data/acl/revoke", s.handle(cmdUsersUpdate, callerUser, s.revokeAccess)).Methods("POST")
	v1.Handle("/users/data/{collection}/{document}", s.handle(cmdUsersRead, callerUser, s.readUserDocument)).Methods("GET")
	v1.Handle("/users/data/{collection}/{document}", s.handle(cmdUsersDelete, callerUser, s.deleteUserDocument)).Methods("DELETE")

	v1.Handle("/system/about", s.handle(nil, callerNone, s.about)).Methods("GET")
	v1.Handle("/system/log-level", s.handle(cmdSystem, callerAdmin, s.setLogLevel)).Methods("POST")
	v1.Handle("/system/maintenance/start", s.handle(cmdSystem, callerAdmin, s.startMaintenance)).Methods("POST")
	v1.Handle("/system/maintenance/stop", s.handle(cmdSystem, callerAdmin, s.stopMaintenance)).Methods("POST")
	v1.Handle("/system/revoke", s.handle(nil, callerAny, s.revokeToken)).Methods("POST")

	return r
}

// handlerFunc is a route body: it gets the verified credential (nil
// on public routes) and returns an error for the encoder.
type handlerFunc func(http.ResponseWriter, *http.Request, *nuc.Credential) error

// handle wraps a route body in the request pipeline.
func (s *Server) handle(required command.Command, kind callerKind, fn handlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.maintenance.Load() && kind != callerAdmin && !isExemptFromMaintenance(r) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte(`{"errors":["ServiceUnavailable","maintenance in progress"]}`))
			return
		}

		var cred *nuc.Credential
		if kind != callerNone {
			var err error
			cred, err = s.authenticate(r, required, kind)
			if err != nil {
				if encodeErr := sendError(w, err); encodeErr != nil {
					logger.Errorf("writing auth error response: %v", encodeErr)
				}
				return
			}
		}

		if err := fn(w, r, cred); err != nil {
			if encodeErr := sendError(w, err); encodeErr != nil {
				logger.Errorf("writing error response: %v", encodeErr)
			}
		}
	})
}

func isExemptFromMaintenance(r *http.Request) bool {
	return r.URL.Path == "/v1/system/about"
}

// authenticate runs credential verification, caller loading and
// command enforcement, in that order.
func (s *Server) authenticate(r *http.Request, required command.Command, kind callerKind) (*nuc.Credential, error) {
	header := r.Header.Get("Authorization")
	bearer := strings.TrimPrefix(header, "Bearer ")
	if header == "" || bearer == header {
		return nil, errors.WithType(errors.New("missing bearer credential"), nuc.ErrAuthentication)
	}

	cred, err := s.verifier.Verify(r.Context(), bearer, requestAttributes(r))
	if err != nil {
		return nil, errors.Trace(err)
	}

	switch kind {
	case callerBuilder:
		if _, err := s.st.Builder(r.Context(), cred.Caller); errors.Is(err, errors.NotFound) {
			return nil, errors.WithType(errors.New("unknown caller"), nuc.ErrAuthentication)
		} else if err != nil {
			return nil, errors.Trace(err)
		}
	case callerUser:
		ok, err := s.st.UserExists(r.Context(), cred.Caller)
		if err != nil {
			return nil, errors.Trace(err)
		}
		if !ok {
			return nil, errors.WithType(errors.New("unknown caller"), nuc.ErrAuthentication)
		}
	case callerAdmin:
		if !cred.RootedIn(s.node) {
			return nil, errors.WithType(errors.New("credential is not rooted in this node"), nuc.ErrAuthentication)
		}
	}

	if len(required) > 0 && !cred.Allows(required) {
		return nil, errors.WithType(errors.Errorf(
			"credential does not permit %q", required), nuc.ErrAuthentication)
	}
	return cred, nil
}

// requestAttributes projects the request for policy evaluation.
// Delegation policies address these as $.req.method, $.req.path and
// $.req.headers.<name>.
func requestAttributes(r *http.Request) nuc.Attributes {
	headers := make(map[string]interface{}, len(r.Header))
	for name, values := range r.Header {
		if len(values) > 0 {
			headers[strings.ToLower(name)] = values[0]
		}
	}
	return nuc.Attributes{
		"req": map[string]interface{}{
			"method":  r.Method,
			"path":    r.URL.Path,
			"headers": headers,
		},
	}
}
