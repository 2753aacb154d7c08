// Copyright 2025 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

// Package nuc implements the chained capability tokens that authorise
// every request to the service. A bearer credential is an envelope of
// one or more ES256-signed tokens separated by "/": each inner token
// delegates a command subtree from its issuer to its audience, and the
// final token invokes a command against the node. Verification walks
// the chain checking signatures, proof linkage, attenuation, policies,
// expiry and revocation.
package nuc

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/juju/errors"
	"github.com/juju/loggo/v2"
	"github.com/juju/utils/v4"

	"github.com/juju/nildb/core/command"
	"github.com/juju/nildb/core/did"
)

var logger = loggo.GetLogger("nildb.nuc")

// ErrAuthentication is returned for any credential that fails
// verification. The API boundary maps it to 401.
const ErrAuthentication = errors.ConstError("authentication failed")

// Token kinds.
const (
	KindDelegation = "delegation"
	KindInvocation = "invocation"
)

// Separator joins the tokens of an envelope on the wire. The base64url
// alphabet of a serialised JWT never contains it.
const Separator = "/"

// Body carries the capability payload of a token.
type Body struct {
	Kind     string                 `json:"kind"`
	Policies []Policy               `json:"pol,omitempty"`
	Args     map[string]interface{} `json:"args,omitempty"`
}

// Token is one parsed link of a capability chain.
type Token struct {
	Issuer    did.DID
	Subject   did.DID
	Audience  did.DID
	Command   command.Command
	Body      Body
	ExpiresAt time.Time
	Proof     []byte
	ID        string
	Signature []byte
	Raw       string
}

type tokenClaims struct {
	jwt.RegisteredClaims
	Command string `json:"cmd"`
	Body    Body   `json:"bdy"`
	Proof   string `json:"prf,omitempty"`
}

// parseToken verifies one serialised token's signature against the key
// named by its own issuer DID and returns its decoded form.
func parseToken(raw string) (*Token, error) {
	var claims tokenClaims
	parsed, err := jwt.ParseWithClaims(raw, &claims, func(t *jwt.Token) (interface{}, error) {
		issuer, err := did.Parse(claims.Issuer)
		if err != nil {
			return nil, errors.Trace(err)
		}
		return issuer.PublicKey()
	}, jwt.WithValidMethods([]string{"ES256"}), jwt.WithoutClaimsValidation())
	if err != nil {
		return nil, errors.WithType(errors.Annotate(err, "parsing token"), ErrAuthentication)
	}

	issuer, err := did.Parse(claims.Issuer)
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrAuthentication)
	}
	subject, err := did.Parse(claims.Subject)
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrAuthentication)
	}
	if len(claims.Audience) != 1 {
		return nil, errors.WithType(errors.New("token must name exactly one audience"), ErrAuthentication)
	}
	audience, err := did.Parse(claims.Audience[0])
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrAuthentication)
	}
	cmd, err := command.Parse(claims.Command)
	if err != nil {
		return nil, errors.WithType(errors.Trace(err), ErrAuthentication)
	}
	if claims.ExpiresAt == nil {
		return nil, errors.WithType(errors.New("token has no expiry"), ErrAuthentication)
	}
	if claims.ID == "" {
		return nil, errors.WithType(errors.New("token has no id"), ErrAuthentication)
	}
	switch claims.Body.Kind {
	case KindDelegation, KindInvocation:
	default:
		return nil, errors.WithType(errors.Errorf("unknown token kind %q", claims.Body.Kind), ErrAuthentication)
	}
	var proof []byte
	if claims.Proof != "" {
		proof, err = hex.DecodeString(claims.Proof)
		if err != nil {
			return nil, errors.WithType(errors.New("malformed token proof"), ErrAuthentication)
		}
	}
	return &Token{
		Issuer:    issuer,
		Subject:   subject,
		Audience:  audience,
		Command:   cmd,
		Body:      claims.Body,
		ExpiresAt: claims.ExpiresAt.Time,
		Proof:     proof,
		ID:        claims.ID,
		Signature: parsed.Signature,
		Raw:       raw,
	}, nil
}

// MintArgs name the parts of a freshly issued token.
type MintArgs struct {
	Issuer   *did.KeyPair
	Subject  did.DID
	Audience did.DID
	Command  command.Command
	Expires  time.Time
	Body     Body
	Proof    []byte
}

// Mint signs a single token and returns its serialised form.
func Mint(args MintArgs) (string, error) {
	claims := tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    args.Issuer.DID().String(),
			Subject:   args.Subject.String(),
			Audience:  jwt.ClaimStrings{args.Audience.String()},
			ExpiresAt: jwt.NewNumericDate(args.Expires),
			ID:        utils.MustNewUUID().String(),
		},
		Command: args.Command.String(),
		Body:    args.Body,
	}
	if len(args.Proof) > 0 {
		claims.Proof = hex.EncodeToString(args.Proof)
	}
	raw, err := jwt.NewWithClaims(jwt.SigningMethodES256, claims).SignedString(args.Issuer.Signer())
	if err != nil {
		return "", errors.Annotate(err, "signing token")
	}
	return raw, nil
}

// Extend appends a new token to an existing envelope, linking its
// proof to the signature of the envelope's last token.
func Extend(envelope string, args MintArgs) (string, error) {
	parsed, err := ParseEnvelope(envelope)
	if err != nil {
		return "", errors.Trace(err)
	}
	args.Proof = parsed.Last().Signature
	raw, err := Mint(args)
	if err != nil {
		return "", errors.Trace(err)
	}
	return envelope + Separator + raw, nil
}

// Envelope is an ordered capability chain, root delegation first.
type Envelope struct {
	Tokens []*Token
}

// ParseEnvelope splits a bearer string into its tokens and parses each
// one. Signature checks happen here; chain semantics are the
// verifier's business.
func ParseEnvelope(s string) (*Envelope, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, errors.WithType(errors.New("empty credential"), ErrAuthentication)
	}
	parts := strings.Split(s, Separator)
	tokens := make([]*Token, len(parts))
	for i, part := range parts {
		tok, err := parseToken(part)
		if err != nil {
			return nil, errors.Annotatef(err, "token %d", i)
		}
		tokens[i] = tok
	}
	return &Envelope{Tokens: tokens}, nil
}

// Last returns the invocation end of the chain.
func (e *Envelope) Last() *Token {
	return e.Tokens[len(e.Tokens)-1]
}

// Root returns the first token of the chain, the one minted by the
// chain's original issuer.
func (e *Envelope) Root() *Token {
	return e.Tokens[0]
}
