// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package command models the hierarchical command namespace that
// capability tokens authorise. A command is an ordered path of
// segments, written segment/segment/..., for example:
//
//	nil/db/data/read
//
// Authorisation is a prefix relation over this tree: a token whose
// command is nil/db/data permits nil/db/data/read, but never the
// reverse. Delegation can narrow a capability; it can never widen it.
package command

import (
	"strings"

	"github.com/juju/errors"
)

// ErrInvalidCommand is returned for malformed command strings.
const ErrInvalidCommand = errors.ConstError("invalid command")

// Command is an ordered list of namespace segments.
type Command []string

// Parse splits a slash-separated command path into its segments.
func Parse(s string) (Command, error) {
	if s == "" {
		return nil, errors.WithType(errors.New("empty command"), ErrInvalidCommand)
	}
	segments := strings.Split(s, "/")
	for _, seg := range segments {
		if seg == "" {
			return nil, errors.WithType(errors.Errorf("command %q has an empty segment", s), ErrInvalidCommand)
		}
	}
	return Command(segments), nil
}

// MustParse parses s and panics on failure. For package-level route tables.
func MustParse(s string) Command {
	cmd, err := Parse(s)
	if err != nil {
		panic(err)
	}
	return cmd
}

// String is the slash-separated form of the command.
func (c Command) String() string {
	return strings.Join(c, "/")
}

// IsPrefixOf reports whether c permits other; that is, whether c is
// equal to other or an ancestor of it in the command tree.
func (c Command) IsPrefixOf(other Command) bool {
	if len(c) > len(other) {
		return false
	}
	for i, seg := range c {
		if other[i] != seg {
			return false
		}
	}
	return true
}

// Equal reports segment-wise equality.
func (c Command) Equal(other Command) bool {
	return len(c) == len(other) && c.IsPrefixOf(other)
}

// Attenuate returns the effective command of a delegation chain: the
// most specific command in the chain, provided every earlier command
// permits it. A link that attempts to widen the capability (its
// command is not permitted by all commands before it) fails.
func Attenuate(chain []Command) (Command, error) {
	if len(chain) == 0 {
		return nil, errors.WithType(errors.New("empty command chain"), ErrInvalidCommand)
	}
	effective := chain[0]
	for i, cmd := range chain[1:] {
		if !effective.IsPrefixOf(cmd) {
			return nil, errors.WithType(errors.Errorf(
				"delegation %d widens command %q to %q", i+1, effective, cmd), ErrInvalidCommand)
		}
		effective = cmd
	}
	return effective, nil
}
