package auth

import (
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"permitflow/internal/domain"
)

// UnknownIdentity is the name given to callers without a usable token.
const UnknownIdentity = "unknown"

// Identity is the resolved caller of a request.
type Identity struct {
	Name  string
	Role  domain.Role
	Forms []string
}

// Anonymous is the identity of a caller with no usable credential.
func Anonymous() Identity {
	return Identity{Name: UnknownIdentity, Role: domain.RoleUser}
}

type claims struct {
	jwt.RegisteredClaims
	Username string          `json:"username,omitempty"`
	UserID   json.RawMessage `json:"id,omitempty"`
	Role     string          `json:"role,omitempty"`
	Forms    []string        `json:"forms,omitempty"`
}

// Resolver turns an Authorization header into an Identity.
type Resolver struct {
	Secret string
}

// Resolve never fails: anything that cannot be verified resolves to Anonymous.
func (r Resolver) Resolve(authorization string) Identity {
	token, ok := BearerToken(authorization)
	if !ok {
		return Anonymous()
	}
	id, err := r.parse(token)
	if err != nil {
		return Anonymous()
	}
	return id
}

func (r Resolver) parse(token string) (Identity, error) {
	if strings.TrimSpace(r.Secret) == "" {
		return Identity{}, errors.New("jwt secret not configured")
	}
	parser := jwt.NewParser(jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	c := &claims{}
	parsed, err := parser.ParseWithClaims(token, c, func(t *jwt.Token) (any, error) {
		return []byte(r.Secret), nil
	})
	if err != nil {
		return Identity{}, err
	}
	if !parsed.Valid {
		return Identity{}, errors.New("invalid token")
	}
	id := Identity{
		Name:  c.name(),
		Role:  domain.Role(strings.TrimSpace(c.Role)),
		Forms: c.Forms,
	}
	if id.Role == "" {
		id.Role = domain.RoleUser
	}
	return id, nil
}

func (c *claims) name() string {
	if u := strings.TrimSpace(c.Username); u != "" {
		return u
	}
	if s := rawID(c.UserID); s != "" {
		return s
	}
	if c.Subject != "" {
		return c.Subject
	}
	return UnknownIdentity
}

// rawID accepts the id claim as a string or a number.
func rawID(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return strings.TrimSpace(s)
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		if i, err := n.Int64(); err == nil {
			return strconv.FormatInt(i, 10)
		}
		return n.String()
	}
	return ""
}

// BearerToken extracts the token from a "Bearer <token>" header value.
func BearerToken(authz string) (string, bool) {
	parts := strings.Fields(authz)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
		return "", false
	}
	return parts[1], true
}

// Signer mints HS256 tokens the Resolver accepts. It backs the dev login
// endpoint and `permitctl token mint`.
type Signer struct {
	Secret string
	TTL    time.Duration
	Now    func() time.Time
}

// Sign returns a signed token for username holding role.
func (s Signer) Sign(username string, role domain.Role, forms []string) (string, error) {
	if strings.TrimSpace(s.Secret) == "" {
		return "", errors.New("jwt secret not configured")
	}
	username = strings.TrimSpace(username)
	if username == "" {
		return "", errors.New("username required")
	}
	if role == "" {
		role = domain.RoleUser
	}
	now := time.Now
	if s.Now != nil {
		now = s.Now
	}
	issued := now().UTC()
	ttl := s.TTL
	if ttl <= 0 {
		ttl = 12 * time.Hour
	}
	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   username,
			IssuedAt:  jwt.NewNumericDate(issued),
			ExpiresAt: jwt.NewNumericDate(issued.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Username: username,
		Role:     string(role),
		Forms:    forms,
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(s.Secret))
}
