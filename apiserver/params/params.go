// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package params holds the wire types of the v1 HTTP API. Successful
// responses carry their payload under "data"; list endpoints add a
// "pagination" block; failures carry an "errors" array whose first
// element is the taxonomy tag.
package params

// Error taxonomy tags. Clients match on these, not on messages.
const (
	CodeDataValidation       = "DataValidationError"
	CodeAuthentication       = "AuthenticationError"
	CodeResourceAccessDenied = "ResourceAccessDeniedError"
	CodeDocumentNotFound     = "DocumentNotFoundError"
	CodeCollectionNotFound   = "CollectionNotFoundError"
	CodeIndexNotFound        = "IndexNotFoundError"
	CodeInvalidIndexOptions  = "InvalidIndexOptionsError"
	CodeVariableInjection    = "VariableInjectionError"
	CodeDatabase             = "DatabaseError"
)

// ErrorResponse is the failure envelope. The first element of Errors
// is the taxonomy tag; the rest are human-readable strings.
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// Pagination bounds a list response.
type Pagination struct {
	Limit  int `json:"limit"`
	Offset int `json:"offset"`
	Total  int `json:"total"`
}

// RegisterBuilderRequest creates a builder profile for the identity
// that signed the presented credential.
type RegisterBuilderRequest struct {
	Name string `json:"name"`
}

// UpdateBuilderRequest changes the caller's profile.
type UpdateBuilderRequest struct {
	Name string `json:"name"`
}

// Builder is a builder profile on the wire.
type Builder struct {
	DID         string   `json:"did"`
	Name        string   `json:"name"`
	Collections []string `json:"collections"`
	CreatedAt   string   `json:"createdAt"`
	UpdatedAt   string   `json:"updatedAt"`
}

// BuilderResponse wraps a single builder profile.
type BuilderResponse struct {
	Data Builder `json:"data"`
}

// CreateCollectionRequest registers a collection. A zero ID lets the
// service mint one.
type CreateCollectionRequest struct {
	ID     string                 `json:"id,omitempty"`
	Name   string                 `json:"name"`
	Type   string                 `json:"type"`
	Schema map[string]interface{} `json:"schema"`
}

// Collection is a collection summary on the wire.
type Collection struct {
	ID        string                 `json:"id"`
	Name      string                 `json:"name"`
	Type      string                 `json:"type"`
	Schema    map[string]interface{} `json:"schema"`
	CreatedAt string                 `json:"createdAt"`
	Count     int                    `json:"count"`
}

// CollectionsResponse lists the caller's collections.
type CollectionsResponse struct {
	Data []Collection `json:"data"`
}

// CollectionResponse wraps a single collection.
type CollectionResponse struct {
	Data Collection `json:"data"`
}

// Index describes one index on a collection.
type Index struct {
	Name   string   `json:"name"`
	Keys   []string `json:"keys"`
	Unique bool     `json:"unique,omitempty"`
}

// CollectionMetadata is the detailed collection view.
type CollectionMetadata struct {
	Collection
	Size       int64   `json:"size"`
	FirstWrite string  `json:"firstWrite,omitempty"`
	LastWrite  string  `json:"lastWrite,omitempty"`
	Indexes    []Index `json:"indexes"`
}

// CollectionMetadataResponse wraps the detailed view.
type CollectionMetadataResponse struct {
	Data CollectionMetadata `json:"data"`
}

// IndexKey is one field of an index specification.
type IndexKey struct {
	Field      string `json:"field"`
	Descending bool   `json:"descending,omitempty"`
}

// CreateIndexRequest adds an index to a collection.
type CreateIndexRequest struct {
	Name       string     `json:"name"`
	Keys       []IndexKey `json:"keys"`
	Unique     bool       `json:"unique,omitempty"`
	TTLSeconds int        `json:"ttlSeconds,omitempty"`
}

// AclEntry grants one principal rights on one owned document.
type AclEntry struct {
	Grantee string `json:"grantee"`
	Read    bool   `json:"read"`
	Write   bool   `json:"write"`
	Execute bool   `json:"execute"`
}

// CreateStandardRequest ingests documents into a standard collection.
type CreateStandardRequest struct {
	Collection string                   `json:"collection"`
	Data       []map[string]interface{} `json:"data"`
}

// CreateOwnedRequest ingests user-owned documents.
type CreateOwnedRequest struct {
	Collection string                   `json:"collection"`
	Owner      string                   `json:"owner"`
	Data       []map[string]interface{} `json:"data"`
	Acl        AclEntry                 `json:"acl"`
}

// CreatedResponse returns the ids of freshly written documents.
type CreatedResponse struct {
	Data []string `json:"data"`
}

// FindRequest reads documents by filter.
type FindRequest struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter,omitempty"`
	Pagination *Pagination            `json:"pagination,omitempty"`
}

// FindResponse is one page of documents plus the unpaginated total.
type FindResponse struct {
	Data       []map[string]interface{} `json:"data"`
	Pagination Pagination               `json:"pagination"`
}

// UpdateRequest applies a restricted update by filter.
type UpdateRequest struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter"`
	Update     map[string]interface{} `json:"update"`
}

// UpdateResult reports what an update touched.
type UpdateResult struct {
	Matched int `json:"matched"`
	Updated int `json:"updated"`
}

// UpdateResponse wraps an update result.
type UpdateResponse struct {
	Data UpdateResult `json:"data"`
}

// DeleteRequest removes documents by non-empty filter.
type DeleteRequest struct {
	Collection string                 `json:"collection"`
	Filter     map[string]interface{} `json:"filter"`
}

// TailResponse is the most recent documents of a collection.
type TailResponse struct {
	Data []map[string]interface{} `json:"data"`
}

// QueryVariable declares one runtime parameter of a query.
type QueryVariable struct {
	Path     string `json:"path"`
	Optional bool   `json:"optional,omitempty"`
}

// CreateQueryRequest stores a parameterised aggregation.
type CreateQueryRequest struct {
	ID         string                   `json:"id,omitempty"`
	Name       string                   `json:"name"`
	Collection string                   `json:"collection"`
	Variables  map[string]QueryVariable `json:"variables,omitempty"`
	Pipeline   []map[string]interface{} `json:"pipeline"`
}

// Query is a stored query on the wire.
type Query struct {
	ID         string                   `json:"id"`
	Name       string                   `json:"name"`
	Collection string                   `json:"collection"`
	Variables  map[string]QueryVariable `json:"variables,omitempty"`
	CreatedAt  string                   `json:"createdAt"`
}

// QueriesResponse lists the caller's queries.
type QueriesResponse struct {
	Data []Query `json:"data"`
}

// QueryResponse wraps a single query.
type QueryResponse struct {
	Data Query `json:"data"`
}

// RunQueryRequest starts a run of a stored query.
type RunQueryRequest struct {
	ID         string                 `json:"id"`
	Variables  map[string]interface{} `json:"variables,omitempty"`
	Background bool                   `json:"background,omitempty"`
}

// RunQueryResponse returns the run id.
type RunQueryResponse struct {
	Data string `json:"data"`
}

// QueryRun is a run record on the wire.
type QueryRun struct {
	ID          string        `json:"id"`
	Query       string        `json:"query"`
	Status      string        `json:"status"`
	Result      []interface{} `json:"result,omitempty"`
	Errors      []string      `json:"errors,omitempty"`
	RequestedAt string        `json:"requestedAt"`
	CompletedAt string        `json:"completedAt,omitempty"`
}

// QueryRunResponse wraps a run record.
type QueryRunResponse struct {
	Data QueryRun `json:"data"`
}

// DataRef points at one owned document.
type DataRef struct {
	Collection string `json:"collection"`
	Document   string `json:"document"`
}

// DataRefsResponse lists a user's owned documents.
type DataRefsResponse struct {
	Data []DataRef `json:"data"`
}

// DocumentResponse wraps a single document.
type DocumentResponse struct {
	Data map[string]interface{} `json:"data"`
}

// GrantAccessRequest adds or replaces an access entry.
type GrantAccessRequest struct {
	Collection string   `json:"collection"`
	Document   string   `json:"document"`
	Acl        AclEntry `json:"acl"`
}

// RevokeAccessRequest removes a grantee's access entry.
type RevokeAccessRequest struct {
	Collection string `json:"collection"`
	Document   string `json:"document"`
	Grantee    string `json:"grantee"`
}

// About describes the node.
type About struct {
	Version     string `json:"version"`
	DID         string `json:"did"`
	Maintenance bool   `json:"maintenance"`
	Started     string `json:"started"`
}

// AboutResponse wraps the node description.
type AboutResponse struct {
	Data About `json:"data"`
}

// LogLevelRequest reconfigures logging, loggo specification syntax.
type LogLevelRequest struct {
	Config string `json:"config"`
}
