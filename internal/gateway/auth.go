package gateway

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v3"
	"github.com/golang-jwt/jwt/v5"
)

// AuthMode selects how the gateway authenticates inbound requests.
type AuthMode string

const (
	// AuthNone accepts every request unauthenticated.
	AuthNone AuthMode = "none"
	// AuthBearer requires a bearer token matching a configured sha256 hash.
	AuthBearer AuthMode = "bearer"
	// AuthJWT is the optional service-to-service mode: a JWT signed by
	// an external identity provider carries the permissions list
	// directly in its claims instead of a static hash list, for
	// gateway-to-gateway or CI-service callers. Signing keys are fetched
	// and refreshed from the provider's JWKS endpoint.
	AuthJWT AuthMode = "jwt"
)

// DenyReason enumerates the auth failure reasons. The
// gateway never reveals which of these applies to the caller — every one
// maps to a uniform 401 or 403 response — but it is recorded verbatim in
// the audit trail.
type DenyReason string

const (
	DenyMissing               DenyReason = "missing"
	DenyMalformed             DenyReason = "malformed"
	DenyUnknownToken          DenyReason = "unknown_token"
	DenyInsufficientPermission DenyReason = "insufficient_permission"
)

// TokenRecord is one configured bearer credential: its permissions list
// and the sha256 hash of the raw secret clients must present. The
// configured form is `sha256:<hex>` or `<name>:sha256:<hex>`; a
// name-less entry is assigned `token-<index>`.
type TokenRecord struct {
	Name        string
	HashHex     string // lowercase hex sha256 of the raw secret, no "sha256:" prefix
	Permissions []string
}

// ParseTokenSpec parses one configured token string into a TokenRecord,
// assigning `token-<index>` when no name prefix is present.
func ParseTokenSpec(spec string, index int, permissions []string) (TokenRecord, error) {
	name := fmt.Sprintf("token-%d", index)
	hashPart := spec
	if i := strings.LastIndex(spec, ":sha256:"); i >= 0 {
		name = spec[:i]
		hashPart = spec[i+1:]
	}
	hashPart = strings.TrimPrefix(hashPart, "sha256:")
	hashPart = strings.ToLower(strings.TrimSpace(hashPart))
	if len(hashPart) != 64 {
		return TokenRecord{}, fmt.Errorf("gateway: token spec %q: expected a 64-character sha256 hex digest", spec)
	}
	if _, err := hex.DecodeString(hashPart); err != nil {
		return TokenRecord{}, fmt.Errorf("gateway: token spec %q: not valid hex: %w", spec, err)
	}
	return TokenRecord{Name: name, HashHex: hashPart, Permissions: permissions}, nil
}

// tokenFileEntry is one entry of the JSON array LoadTokensFile reads: the
// operator-facing configuration shape for AuthBearer deployments, kept
// out of the dynamic connectors.json document since credentials rotate on
// a different cadence than connector wiring.
type tokenFileEntry struct {
	Token       string   `json:"token"`
	Permissions []string `json:"permissions"`
}

// LoadTokensFile reads a JSON array of {"token": "...", "permissions":
// [...]}  entries from path and parses each into a TokenRecord via
// ParseTokenSpec.
func LoadTokensFile(path string) ([]TokenRecord, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("gateway: read tokens file: %w", err)
	}
	var entries []tokenFileEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, fmt.Errorf("gateway: parse tokens file: %w", err)
	}
	out := make([]TokenRecord, 0, len(entries))
	for i, e := range entries {
		rec, err := ParseTokenSpec(e.Token, i, e.Permissions)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, nil
}

// TokenStore holds the configured bearer credentials and authenticates
// raw tokens presented on the wire by comparing their sha256 hash,
// constant-time, against every configured record.
type TokenStore struct {
	records []TokenRecord
}

// NewTokenStore builds a TokenStore from already-parsed records.
func NewTokenStore(records []TokenRecord) *TokenStore {
	return &TokenStore{records: append([]TokenRecord(nil), records...)}
}

// Authenticate hashes raw and returns the matching record, if any.
func (ts *TokenStore) Authenticate(raw string) (TokenRecord, bool) {
	sum := sha256.Sum256([]byte(raw))
	hashHex := hex.EncodeToString(sum[:])
	for _, rec := range ts.records {
		if subtle.ConstantTimeCompare([]byte(rec.HashHex), []byte(hashHex)) == 1 {
			return rec, true
		}
	}
	return TokenRecord{}, false
}

// jwtClaims is the claim shape the JWT auth mode expects: a "permissions"
// array playing the same role a bearer TokenRecord's Permissions does.
type jwtClaims struct {
	jwt.RegisteredClaims
	Permissions []string `json:"permissions"`
}

// jwtValidator validates JWTs using a remote JWKS endpoint. Keys are
// fetched at construction and refreshed in the background by keyfunc.
type jwtValidator struct {
	jwks keyfunc.Keyfunc
}

// newJWTValidator creates a validator that fetches signing keys from the
// identity provider's JWKS endpoint.
func newJWTValidator(jwksURL string) (*jwtValidator, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	k, err := keyfunc.NewDefaultCtx(ctx, []string{jwksURL})
	if err != nil {
		return nil, fmt.Errorf("gateway: create JWKS keyfunc: %w", err)
	}
	return &jwtValidator{jwks: k}, nil
}

// authenticate validates raw against the JWKS keys and returns a
// synthetic TokenRecord so the rest of the pipeline (permission matching,
// audit client_id) doesn't need to know which auth mode produced it.
func (v *jwtValidator) authenticate(raw string) (TokenRecord, error) {
	var claims jwtClaims
	token, err := jwt.ParseWithClaims(raw, &claims, v.jwks.Keyfunc)
	if err != nil {
		return TokenRecord{}, fmt.Errorf("gateway: parse jwt: %w", err)
	}
	if !token.Valid {
		return TokenRecord{}, errors.New("gateway: invalid jwt")
	}
	name := claims.Subject
	if name == "" {
		name = "jwt-caller"
	}
	return TokenRecord{Name: name, Permissions: claims.Permissions}, nil
}

// extractBearer splits an Authorization header into its raw token, or
// returns a DenyReason describing why it couldn't.
func extractBearer(header string) (string, DenyReason) {
	if header == "" {
		return "", DenyMissing
	}
	const prefix = "Bearer "
	if !strings.HasPrefix(header, prefix) || len(header) <= len(prefix) {
		return "", DenyMalformed
	}
	return strings.TrimSpace(header[len(prefix):]), ""
}

// PermissionAllows decides a permission grant by segment-wise matching
// on `:`-delimited permission strings. A non-trailing `*`
// matches exactly the segment at that position; a trailing `*` matches
// every remaining segment in the requested string, including zero. A
// granted string longer than the requested one (with no trailing `*` to
// absorb the difference) never matches.
func PermissionAllows(granted, requested string) bool {
	gs := strings.Split(granted, ":")
	rs := strings.Split(requested, ":")
	for i, seg := range gs {
		if seg == "*" && i == len(gs)-1 {
			return true
		}
		if i >= len(rs) {
			return false
		}
		if seg != "*" && seg != rs[i] {
			return false
		}
	}
	return len(gs) == len(rs)
}

// anyPermissionAllows reports whether any of granted allows requested.
func anyPermissionAllows(granted []string, requested string) bool {
	for _, g := range granted {
		if PermissionAllows(g, requested) {
			return true
		}
	}
	return false
}

// writeAuthDenied writes the uniform 401/403 response:
// missing/malformed/unknown_token are indistinguishable 401s;
// insufficient_permission is a 403, since the caller authenticated fine
// but isn't allowed to do this particular thing.
func writeAuthDenied(w http.ResponseWriter, requestID string, reason DenyReason) {
	switch reason {
	case DenyInsufficientPermission:
		writeError(w, http.StatusForbidden, ErrCodeForbidden, "forbidden", requestID)
	default:
		writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "unauthorized", requestID)
	}
}

// retryAfterSeconds renders a Retry-After header value for a 429 response.
func retryAfterSeconds(n int) string {
	return strconv.Itoa(n)
}
