// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package state

import (
	"time"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"

	"github.com/juju/nildb/core/coerce"
	"github.com/juju/nildb/internal/mongo"
)

// Aliases so call sites read as what they mean here.
const (
	mongoDocumentNotFound   = mongo.ErrDocumentNotFound
	mongoCollectionNotFound = mongo.ErrCollectionNotFound
)

// findSort orders a find by the given fields, driver syntax.
func findSort(fields ...string) mongo.FindOptions {
	return mongo.FindOptions{Sort: fields}
}

// findPage bounds a find to one page of results.
func findPage(limit, offset int) mongo.FindOptions {
	return mongo.FindOptions{Sort: []string{createdField}, Limit: limit, Skip: offset}
}

// tailQuery selects the newest limit documents.
func tailQuery(limit int) mongo.FindOptions {
	return mongo.FindOptions{Sort: []string{"-" + createdField}, Limit: limit}
}

// firstWriteQuery and lastWriteQuery select the oldest and newest
// document of a collection by write timestamp.
func firstWriteQuery() mongo.FindOptions {
	return mongo.FindOptions{Sort: []string{createdField}, Limit: 1}
}

func lastWriteQuery() mongo.FindOptions {
	return mongo.FindOptions{Sort: []string{"-" + createdField}, Limit: 1}
}

// remarshal converts a raw catalog document into a typed one.
func remarshal(raw bson.M, out interface{}) error {
	data, err := bson.Marshal(raw)
	if err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(bson.Unmarshal(data, out))
}

// renderDoc converts a stored document into its wire form: UUID
// binaries become strings and timestamps become RFC 3339.
func renderDoc(doc bson.M) map[string]interface{} {
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		out[k] = renderValue(v)
	}
	return out
}

func renderValue(value interface{}) interface{} {
	switch v := value.(type) {
	case bson.Binary:
		if s, ok := coerce.UUIDString(v); ok {
			return s
		}
		return v
	case time.Time:
		return v.UTC().Format(time.RFC3339)
	case bson.M:
		return renderDoc(v)
	case map[string]interface{}:
		return renderDoc(bson.M(v))
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, elem := range v {
			out[i] = renderValue(elem)
		}
		return out
	}
	return value
}
