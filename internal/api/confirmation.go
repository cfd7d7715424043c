package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// confirmation.go implements the §6 confirmation token: a client-visible
// commitment to exactly the playlist parameters it was issued for, so the
// creation endpoint can reject a request whose body has drifted from what
// the user actually confirmed (P7).

const confirmationTokenTTL = 5 * time.Minute

// confirmationEnvelope is both the signed payload and the wire format; it
// round-trips through JSON twice (once to build the signing message, once
// as the outer token body) the same way a JWT's claims do, but kept as a
// bespoke struct since the token is not a JWT (no registered claim set).
type confirmationEnvelope struct {
	UserID    string          `json:"userId"`
	Params    json.RawMessage `json:"params"`
	IssuedAt  int64           `json:"issuedAt"`
	Signature string          `json:"signature"`
}

type signingFields struct {
	UserID   string          `json:"userId"`
	Params   json.RawMessage `json:"params"`
	IssuedAt int64           `json:"issuedAt"`
}

// IssueConfirmationToken signs userId+params+now and returns the
// base64url envelope the client must echo back unchanged.
func IssueConfirmationToken(secret []byte, userID string, params json.RawMessage) (string, error) {
	issuedAt := time.Now().Unix()
	sig, err := signEnvelope(secret, userID, params, issuedAt)
	if err != nil {
		return "", err
	}
	env := confirmationEnvelope{UserID: userID, Params: params, IssuedAt: issuedAt, Signature: sig}
	raw, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("api: marshal confirmation token: %w", err)
	}
	return base64.URLEncoding.EncodeToString(raw), nil
}

// ErrConfirmationMismatch covers every way a confirmation token fails to
// match the request it's presented with: bad signature, expiry, wrong
// user, or a params field that has drifted from what was signed.
var ErrConfirmationMismatch = errors.New("api: confirmation token does not match request")

// ParamMismatchError reports which top-level params fields differ between
// the token and the request, so the creation handler can return them to
// the client field by field. It is only produced for an otherwise valid
// token (good signature, unexpired, right user) — a forged token never
// learns which fields it got wrong.
type ParamMismatchError struct {
	Fields []string
}

func (e *ParamMismatchError) Error() string {
	return fmt.Sprintf("api: confirmation token params mismatch: %s", strings.Join(e.Fields, ", "))
}

func (e *ParamMismatchError) Unwrap() error { return ErrConfirmationMismatch }

// VerifyConfirmationToken checks the signature, expiry, calling user, and
// that params matches what was signed (modulo field order).
func VerifyConfirmationToken(secret []byte, token, userID string, params json.RawMessage) error {
	raw, err := base64.URLEncoding.DecodeString(token)
	if err != nil {
		return ErrConfirmationMismatch
	}
	var env confirmationEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return ErrConfirmationMismatch
	}

	expected, err := signEnvelope(secret, env.UserID, env.Params, env.IssuedAt)
	if err != nil {
		return err
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(env.Signature)) != 1 {
		return ErrConfirmationMismatch
	}
	if time.Since(time.Unix(env.IssuedAt, 0)) > confirmationTokenTTL {
		return ErrConfirmationMismatch
	}
	if env.UserID != userID {
		return ErrConfirmationMismatch
	}
	if !jsonEqual(env.Params, params) {
		return &ParamMismatchError{Fields: paramMismatchFields(env.Params, params)}
	}
	return nil
}

// paramMismatchFields diffs the token's params against the request's at
// the top level, returning the sorted field names whose values differ or
// that appear on only one side. Non-object params collapse to a single
// "params" entry.
func paramMismatchFields(tokenParams, reqParams json.RawMessage) []string {
	var tm, rm map[string]json.RawMessage
	if json.Unmarshal(tokenParams, &tm) != nil || json.Unmarshal(reqParams, &rm) != nil {
		return []string{"params"}
	}
	keys := make(map[string]bool, len(tm)+len(rm))
	for k := range tm {
		keys[k] = true
	}
	for k := range rm {
		keys[k] = true
	}
	var out []string
	for k := range keys {
		tv, tok := tm[k]
		rv, rok := rm[k]
		if tok != rok || !jsonEqual(tv, rv) {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

func signEnvelope(secret []byte, userID string, params json.RawMessage, issuedAt int64) (string, error) {
	msg, err := json.Marshal(signingFields{UserID: userID, Params: params, IssuedAt: issuedAt})
	if err != nil {
		return "", fmt.Errorf("api: marshal confirmation signing fields: %w", err)
	}
	mac := hmac.New(sha256.New, secret)
	mac.Write(msg)
	return base64.URLEncoding.EncodeToString(mac.Sum(nil)), nil
}

// jsonEqual compares two JSON values by canonical re-marshaling rather than
// byte equality, so field order in the client's request body doesn't
// spuriously break a match.
func jsonEqual(a, b json.RawMessage) bool {
	var av, bv interface{}
	if json.Unmarshal(a, &av) != nil || json.Unmarshal(b, &bv) != nil {
		return false
	}
	ac, aerr := json.Marshal(av)
	bc, berr := json.Marshal(bv)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ac) == string(bc)
}
