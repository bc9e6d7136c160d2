package authfilter

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	gojwt "github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jws"
)

// Recognized claim names, matched case-insensitively.
const (
	ClaimSubject  = "sub"
	ClaimAudience = "aud"
	ClaimName     = "name"
)

// AuthInfo is the identity established for a request.
type AuthInfo struct {
	Subject  string
	Audience string
	Name     string
}

// segmentParser decodes payload segments with or without '=' padding.
var segmentParser = gojwt.NewParser(gojwt.WithPaddingAllowed())

var (
	errNoPayload       = errors.New("token has no payload segment")
	errPayloadNotFlat  = errors.New("payload is not a JSON object")
	errTrailingPayload = errors.New("payload has trailing data")
	errDuplicateMember = errors.New("payload repeats a member name")
)

// claimFields holds the recognized claims found in a payload. A nil field was
// not present (or was JSON null).
type claimFields struct {
	sub  *string
	aud  *string
	name *string
}

func (f claimFields) complete() bool {
	return f.sub != nil && f.aud != nil && f.name != nil
}

func (f claimFields) missing() []string {
	var out []string
	if f.sub == nil {
		out = append(out, ClaimSubject)
	}
	if f.aud == nil {
		out = append(out, ClaimAudience)
	}
	if f.name == nil {
		out = append(out, ClaimName)
	}
	return out
}

func (f claimFields) authInfo() AuthInfo {
	var info AuthInfo
	if f.sub != nil {
		info.Subject = *f.sub
	}
	if f.aud != nil {
		info.Audience = *f.aud
	}
	if f.name != nil {
		info.Name = *f.name
	}
	return info
}

// ExtractAuthInfo decodes the identity claims of token. When key is non-nil the
// token signature is checked against it first. ok is false unless sub, aud and
// name are all present; decode failures never surface as errors.
func ExtractAuthInfo(token string, key jwk.Key) (info AuthInfo, ok bool) {
	fields, _ := decodeClaims(token, key)
	if !fields.complete() {
		return AuthInfo{}, false
	}
	return fields.authInfo(), true
}

// decodeClaims is fail-soft: on any failure it returns empty fields together
// with the cause, which callers use for logging only.
func decodeClaims(token string, key jwk.Key) (claimFields, error) {
	if key != nil {
		if err := verifySignature(token, key); err != nil {
			return claimFields{}, fmt.Errorf("local signature check: %w", err)
		}
	}

	parts := strings.Split(token, ".")
	if len(parts) < 2 {
		return claimFields{}, errNoPayload
	}
	body, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return claimFields{}, fmt.Errorf("decode payload: %w", err)
	}

	var fields claimFields
	err = walkClaims(body, func(key string, raw json.RawMessage) {
		value, ok := claimText(raw)
		var slot **string
		switch {
		case strings.EqualFold(key, ClaimAudience):
			slot = &fields.aud
		case strings.EqualFold(key, ClaimSubject):
			slot = &fields.sub
		case strings.EqualFold(key, ClaimName):
			slot = &fields.name
		default:
			return
		}
		if !ok {
			*slot = nil
			return
		}
		*slot = &value
	})
	if err != nil {
		return claimFields{}, fmt.Errorf("parse payload: %w", err)
	}
	return fields, nil
}

func verifySignature(token string, key jwk.Key) error {
	set := jwk.NewSet()
	if err := set.AddKey(key); err != nil {
		return err
	}
	_, err := jws.Verify([]byte(token), jws.WithKeySet(set,
		jws.WithInferAlgorithmFromKey(true),
		jws.WithRequireKid(false),
	))
	return err
}

// walkClaims visits the members of a JSON object in document order. A member
// name that repeats exactly fails the walk; names differing only in case are
// distinct members.
func walkClaims(body []byte, visit func(key string, raw json.RawMessage)) error {
	dec := json.NewDecoder(bytes.NewReader(body))
	tok, err := dec.Token()
	if err != nil {
		return err
	}
	if delim, ok := tok.(json.Delim); !ok || delim != '{' {
		return errPayloadNotFlat
	}
	seen := make(map[string]struct{})
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return err
		}
		key, ok := tok.(string)
		if !ok {
			return errPayloadNotFlat
		}
		if _, dup := seen[key]; dup {
			return fmt.Errorf("%w: %q", errDuplicateMember, key)
		}
		seen[key] = struct{}{}
		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			return err
		}
		visit(key, raw)
	}
	if _, err := dec.Token(); err != nil {
		return err
	}
	if _, err := dec.Token(); !errors.Is(err, io.EOF) {
		return errTrailingPayload
	}
	return nil
}

// claimText renders a claim value as text: strings verbatim, null as absent,
// everything else as compact JSON.
func claimText(raw json.RawMessage) (string, bool) {
	trimmed := bytes.TrimSpace(raw)
	switch {
	case len(trimmed) == 0, bytes.Equal(trimmed, []byte("null")):
		return "", false
	case trimmed[0] == '"':
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return "", false
		}
		return s, true
	}
	var buf bytes.Buffer
	if err := json.Compact(&buf, trimmed); err != nil {
		return "", false
	}
	return buf.String(), true
}
