// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package nuc

import (
	"bytes"
	"context"

	"github.com/juju/clock"
	"github.com/juju/errors"

	"github.com/juju/nildb/core/command"
	"github.com/juju/nildb/core/did"
)

// RevocationChecker answers whether a chain root has been revoked.
// The journal implements it; tests substitute their own.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, id string) (bool, error)
}

// Verifier checks bearer credentials presented to one node.
type Verifier struct {
	node    did.DID
	journal RevocationChecker
	clock   clock.Clock
}

// NewVerifier returns a verifier for credentials addressed to node.
func NewVerifier(node did.DID, journal RevocationChecker, clk clock.Clock) *Verifier {
	return &Verifier{node: node, journal: journal, clock: clk}
}

// Credential is the outcome of successful verification: who is
// calling, and with what effective capability.
type Credential struct {
	Caller   did.DID
	Command  command.Command
	Envelope *Envelope
}

// Allows reports whether the credential's effective command permits
// the required command.
func (c *Credential) Allows(required command.Command) bool {
	return c.Command.IsPrefixOf(required)
}

// RootedIn reports whether the chain was originally issued by the
// given principal.
func (c *Credential) RootedIn(issuer did.DID) bool {
	return c.Envelope.Root().Issuer == issuer
}

// Verify checks a bearer credential end to end and returns the caller
// identity and effective command it establishes. attrs describe the
// request being authorised, for policy evaluation. Every failure is
// ErrAuthentication.
func (v *Verifier) Verify(ctx context.Context, bearer string, attrs Attributes) (*Credential, error) {
	envelope, err := ParseEnvelope(bearer)
	if err != nil {
		return nil, errors.Trace(err)
	}
	tokens := envelope.Tokens

	// Chain linkage: each token's proof commits to the previous
	// signature, and capability flows issuer to audience. Only the
	// final token may be an invocation.
	for i, tok := range tokens {
		if i == 0 {
			continue
		}
		prev := tokens[i-1]
		if prev.Body.Kind != KindDelegation {
			return nil, errors.WithType(errors.Errorf("token %d is not a delegation", i-1), ErrAuthentication)
		}
		if !bytes.Equal(tok.Proof, prev.Signature) {
			return nil, errors.WithType(errors.Errorf("token %d proof does not match its parent", i), ErrAuthentication)
		}
		if tok.Issuer != prev.Audience {
			return nil, errors.WithType(errors.Errorf("token %d issuer is not its parent's audience", i), ErrAuthentication)
		}
	}

	// The caller is whoever minted the final token, and every token in
	// the chain must be about that principal.
	caller := envelope.Last().Issuer
	for i, tok := range tokens {
		if tok.Subject != caller {
			return nil, errors.WithType(errors.Errorf("token %d subject is not the caller", i), ErrAuthentication)
		}
	}

	if envelope.Last().Audience != v.node {
		return nil, errors.WithType(errors.New("credential is not addressed to this node"), ErrAuthentication)
	}

	now := v.clock.Now()
	for i, tok := range tokens {
		if !now.Before(tok.ExpiresAt) {
			return nil, errors.WithType(errors.Errorf("token %d has expired", i), ErrAuthentication)
		}
	}

	commands := make([]command.Command, len(tokens))
	for i, tok := range tokens {
		commands[i] = tok.Command
	}
	effective, err := command.Attenuate(commands)
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrAuthentication)
	}

	for i, tok := range tokens {
		if tok.Body.Kind != KindDelegation {
			continue
		}
		for _, policy := range tok.Body.Policies {
			if !policy.Holds(attrs) {
				return nil, errors.WithType(errors.Errorf("token %d policy not satisfied", i), ErrAuthentication)
			}
		}
	}

	revoked, err := v.journal.IsRevoked(ctx, envelope.Root().ID)
	if err != nil {
		return nil, errors.Trace(err)
	}
	if revoked {
		logger.Infof("rejected credential with revoked root %q", envelope.Root().ID)
		return nil, errors.WithType(errors.New("credential has been revoked"), ErrAuthentication)
	}

	return &Credential{Caller: caller, Command: effective, Envelope: envelope}, nil
}
