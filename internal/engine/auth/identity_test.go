package auth

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"permitflow/internal/domain"
)

const testSecret = "test-secret"

func signMap(t *testing.T, secret string, c jwt.MapClaims) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString([]byte(secret))
	require.NoError(t, err)
	return tok
}

func TestResolveClaimPrecedence(t *testing.T) {
	r := Resolver{Secret: testSecret}
	exp := time.Now().Add(time.Hour).Unix()

	tests := []struct {
		name   string
		claims jwt.MapClaims
		want   Identity
	}{
		{
			name:   "username wins",
			claims: jwt.MapClaims{"username": "alice", "id": "u-1", "sub": "s-1", "role": "bay_manager", "exp": exp},
			want:   Identity{Name: "alice", Role: domain.RoleBayManager},
		},
		{
			name:   "string id",
			claims: jwt.MapClaims{"id": "u-1", "sub": "s-1", "role": "admin", "exp": exp},
			want:   Identity{Name: "u-1", Role: domain.RoleAdmin},
		},
		{
			name:   "numeric id",
			claims: jwt.MapClaims{"id": 42, "role": "safety_incharge", "exp": exp},
			want:   Identity{Name: "42", Role: domain.RoleSafetyIncharge},
		},
		{
			name:   "subject fallback",
			claims: jwt.MapClaims{"sub": "s-1", "exp": exp},
			want:   Identity{Name: "s-1", Role: domain.RoleUser},
		},
		{
			name:   "no name claims",
			claims: jwt.MapClaims{"role": "maintenance_incharge", "exp": exp},
			want:   Identity{Name: UnknownIdentity, Role: domain.RoleMaintenanceIncharge},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := r.Resolve("Bearer " + signMap(t, testSecret, tt.claims))
			assert.Equal(t, tt.want.Name, got.Name)
			assert.Equal(t, tt.want.Role, got.Role)
		})
	}
}

func TestResolveFailsOpen(t *testing.T) {
	r := Resolver{Secret: testSecret}
	expired := signMap(t, testSecret, jwt.MapClaims{"username": "bob", "role": "admin", "exp": time.Now().Add(-time.Hour).Unix()})
	wrongSecret := signMap(t, "other", jwt.MapClaims{"username": "bob", "role": "admin"})

	none := jwt.NewWithClaims(jwt.SigningMethodNone, jwt.MapClaims{"username": "bob", "role": "admin"})
	unsigned, err := none.SignedString(jwt.UnsafeAllowNoneSignatureType)
	require.NoError(t, err)

	for name, header := range map[string]string{
		"missing":      "",
		"not bearer":   "Basic Ym9iOnB3",
		"malformed":    "Bearer not-a-jwt",
		"wrong secret": "Bearer " + wrongSecret,
		"expired":      "Bearer " + expired,
		"alg none":     "Bearer " + unsigned,
	} {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, Anonymous(), r.Resolve(header))
		})
	}

	tok := signMap(t, testSecret, jwt.MapClaims{"username": "bob"})
	assert.Equal(t, Anonymous(), Resolver{}.Resolve("Bearer "+tok))
}

func TestSignerRoundTrip(t *testing.T) {
	now := time.Date(2030, 1, 2, 3, 4, 5, 0, time.UTC)
	s := Signer{Secret: testSecret, TTL: time.Hour, Now: func() time.Time { return now }}
	tok, err := s.Sign("carol", domain.RoleSafetyIncharge, []string{"LOTO Work Permit"})
	require.NoError(t, err)

	parsed := &claims{}
	_, _, err = jwt.NewParser().ParseUnverified(tok, parsed)
	require.NoError(t, err)
	assert.Equal(t, "carol", parsed.Username)
	assert.Equal(t, "carol", parsed.Subject)
	assert.NotEmpty(t, parsed.RegisteredClaims.ID)
	assert.Equal(t, now.Add(time.Hour).Unix(), parsed.ExpiresAt.Unix())

	id := Resolver{Secret: testSecret}.Resolve("Bearer " + tok)
	assert.Equal(t, "carol", id.Name)
	assert.Equal(t, domain.RoleSafetyIncharge, id.Role)
	assert.Equal(t, []string{"LOTO Work Permit"}, id.Forms)
}

func TestSignerRejectsBadInput(t *testing.T) {
	_, err := Signer{}.Sign("dave", domain.RoleAdmin, nil)
	assert.Error(t, err)
	_, err = Signer{Secret: testSecret}.Sign("  ", domain.RoleAdmin, nil)
	assert.Error(t, err)

	tok, err := Signer{Secret: testSecret}.Sign("dave", "", nil)
	require.NoError(t, err)
	assert.Equal(t, domain.RoleUser, Resolver{Secret: testSecret}.Resolve("Bearer "+tok).Role)
}

func TestFormGate(t *testing.T) {
	g := FormGate{FormName: "LOTO Work Permit"}

	assert.NoError(t, g.Allow(Identity{Name: "root", Role: domain.RoleAdmin}))
	assert.NoError(t, g.Allow(Identity{Name: "op", Role: domain.RoleUser, Forms: []string{"Other", "loto work permit"}}))

	err := g.Allow(Identity{Name: "op", Role: domain.RoleUser, Forms: []string{"Other"}})
	var fe ForbiddenError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, domain.RoleUser, fe.Role)
	assert.Error(t, g.Allow(Anonymous()))

	open := FormGate{FormName: "LOTO Work Permit", Open: true}
	assert.NoError(t, open.Allow(Anonymous()))
}

func TestForbiddenErrorMessage(t *testing.T) {
	err := ForbiddenError{Role: domain.RoleUser, Allowed: []domain.Role{domain.RoleBayManager, domain.RoleAdmin}}
	assert.Equal(t, "role user is not permitted, requires bay_manager or admin", err.Error())
	assert.Equal(t, "role <none> is not permitted", ForbiddenError{}.Error())
}
