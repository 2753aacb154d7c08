// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package mongo

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
)

// The gateway's closed error set. Callers match with errors.Is; the
// API boundary maps each to its taxonomy tag and HTTP status.
const (
	// ErrCollectionNotFound: the named physical collection does not exist.
	ErrCollectionNotFound = errors.ConstError("collection not found")

	// ErrDocumentNotFound: a single-document operation matched nothing.
	ErrDocumentNotFound = errors.ConstError("document not found")

	// ErrDuplicateIndex: index creation conflicts with an existing index.
	ErrDuplicateIndex = errors.ConstError("index already exists")

	// ErrIndexNotFound: dropping an index that does not exist.
	ErrIndexNotFound = errors.ConstError("index not found")

	// ErrInvalidIndexOptions: the store rejected the index specification.
	ErrInvalidIndexOptions = errors.ConstError("invalid index options")

	// ErrDatabase: any otherwise unclassified persistence failure.
	ErrDatabase = errors.ConstError("database failure")
)

// translate maps a raw driver error onto the gateway's error set.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if err == mgo.ErrNotFound {
		return errors.WithType(err, ErrDocumentNotFound)
	}
	return errors.WithType(err, ErrDatabase)
}

// translateIndexCreate classifies failures from index creation.
func translateIndexCreate(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case mgo.IsDup(err),
		strings.Contains(msg, "already exists"),
		strings.Contains(msg, "IndexKeySpecsConflict"),
		strings.Contains(msg, "IndexOptionsConflict"):
		return errors.WithType(err, ErrDuplicateIndex)
	}
	if qerr, ok := err.(*mgo.QueryError); ok {
		return errors.WithType(qerr, ErrInvalidIndexOptions)
	}
	return errors.WithType(err, ErrDatabase)
}

// translateIndexDrop classifies failures from index removal.
func translateIndexDrop(err error) error {
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "index not found") {
		return errors.WithType(err, ErrIndexNotFound)
	}
	return errors.WithType(err, ErrDatabase)
}

// isTransient reports whether a read-only operation is worth a single
// implicit retry.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "EOF") ||
		strings.Contains(msg, "connection reset") ||
		strings.Contains(msg, "i/o timeout") ||
		strings.Contains(msg, "no reachable servers")
}
