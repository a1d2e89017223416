package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/lsst-ts/mtreflector/internal/config"
)

// fast parameters; production uses DefaultParams
func testHasher() *Hasher {
	return NewHasher(Params{
		Memory:      8 * 1024,
		Iterations:  1,
		Parallelism: 1,
		SaltLength:  16,
		KeyLength:   32,
	})
}

func testAuthConfig(t *testing.T) (config.AuthConfig, string) {
	t.Helper()

	hash, err := testHasher().Hash("correct horse")
	require.NoError(t, err)

	token, tokenHash, err := GenerateServiceToken()
	require.NoError(t, err)

	cfg := config.AuthConfig{
		Enabled:         true,
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		Operators: []config.Operator{
			{Username: "saluser", PasswordHash: hash, Role: "operator"},
		},
		ServiceTokens: []config.ServiceToken{
			{Name: "ci", TokenHash: tokenHash, Role: "operator"},
		},
	}
	return cfg, token
}

func TestHashVerifyRoundTrip(t *testing.T) {
	hash, err := testHasher().Hash("secret")
	require.NoError(t, err)

	valid, err := Verify("secret", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = Verify("wrong", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyRejectsBadFormat(t *testing.T) {
	_, err := Verify("secret", "not-a-hash")
	require.Error(t, err)

	_, err = Verify("secret", "$bcrypt$v=19$m=1,t=1,p=1$c2FsdA$aGFzaA")
	require.Error(t, err)
}

func TestJWTRoundTrip(t *testing.T) {
	handler := NewJWTHandler("test-secret", time.Minute, time.Hour)

	token, err := handler.GenerateAccessToken("saluser", "operator")
	require.NoError(t, err)

	claims, err := handler.ValidateAccessToken(token)
	require.NoError(t, err)
	assert.Equal(t, "saluser", claims.Username)
	assert.Equal(t, "operator", claims.Role)
	assert.Equal(t, "mtreflector", claims.Issuer)
}

func TestJWTExpired(t *testing.T) {
	handler := NewJWTHandler("test-secret", -time.Minute, time.Hour)

	token, err := handler.GenerateAccessToken("saluser", "operator")
	require.NoError(t, err)

	_, err = handler.ValidateAccessToken(token)
	require.Error(t, err)
}

func TestJWTWrongSecret(t *testing.T) {
	token, err := NewJWTHandler("secret-a", time.Minute, time.Hour).GenerateAccessToken("saluser", "operator")
	require.NoError(t, err)

	_, err = NewJWTHandler("secret-b", time.Minute, time.Hour).ValidateAccessToken(token)
	require.Error(t, err)
}

func TestServiceTokenFormat(t *testing.T) {
	token, hash, err := GenerateServiceToken()
	require.NoError(t, err)

	assert.True(t, ValidServiceTokenFormat(token))
	assert.Equal(t, HashToken(token), hash)

	assert.False(t, ValidServiceTokenFormat("mtr_short"))
	assert.False(t, ValidServiceTokenFormat("omc_"+token[4:]))
}

func TestServiceLoginRefreshRevoke(t *testing.T) {
	cfg, _ := testAuthConfig(t)
	service := NewService(cfg, zap.NewNop())

	_, _, err := service.Login("saluser", "wrong password")
	require.Error(t, err)

	_, _, err = service.Login("nobody", "correct horse")
	require.Error(t, err)

	access, refresh, err := service.Login("saluser", "correct horse")
	require.NoError(t, err)

	identity, err := service.ValidateToken(access)
	require.NoError(t, err)
	assert.Equal(t, "saluser", identity.Username)
	assert.Equal(t, "operator", identity.Role)

	newAccess, newRefresh, err := service.Refresh(refresh)
	require.NoError(t, err)
	assert.NotEmpty(t, newAccess)

	// rotation invalidates the old token
	_, _, err = service.Refresh(refresh)
	require.Error(t, err)

	service.RevokeRefreshToken(newRefresh)
	_, _, err = service.Refresh(newRefresh)
	require.Error(t, err)
}

func TestServiceValidateServiceToken(t *testing.T) {
	cfg, token := testAuthConfig(t)
	service := NewService(cfg, zap.NewNop())

	identity, err := service.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ci", identity.Username)
	assert.Equal(t, "operator", identity.Role)

	unknown, _, err := GenerateServiceToken()
	require.NoError(t, err)
	_, err = service.ValidateToken(unknown)
	require.Error(t, err)

	_, err = service.ValidateToken("garbage")
	require.Error(t, err)
}

func TestRefreshStoreExpiry(t *testing.T) {
	store := NewRefreshStore()

	store.Store("hash-live", "saluser", time.Now().Add(time.Hour))
	store.Store("hash-dead", "saluser", time.Now().Add(-time.Hour))

	username, ok := store.Lookup("hash-live")
	require.True(t, ok)
	assert.Equal(t, "saluser", username)

	_, ok = store.Lookup("hash-dead")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)

	cfg, serviceToken := testAuthConfig(t)
	service := NewService(cfg, zap.NewNop())

	access, _, err := service.Login("saluser", "correct horse")
	require.NoError(t, err)

	router := gin.New()
	protected := router.Group("/", service.Middleware())
	protected.GET("/ok", func(c *gin.Context) { c.Status(http.StatusOK) })
	protected.GET("/admin", RequirePermission(PermAdmin), func(c *gin.Context) { c.Status(http.StatusOK) })

	tests := []struct {
		name   string
		path   string
		header string
		want   int
	}{
		{name: "missing header", path: "/ok", header: "", want: http.StatusUnauthorized},
		{name: "malformed header", path: "/ok", header: "Token abc", want: http.StatusUnauthorized},
		{name: "bad token", path: "/ok", header: "Bearer nope", want: http.StatusUnauthorized},
		{name: "operator token", path: "/ok", header: "Bearer " + access, want: http.StatusOK},
		{name: "service token", path: "/ok", header: "Bearer " + serviceToken, want: http.StatusOK},
		{name: "operator lacks admin", path: "/admin", header: "Bearer " + access, want: http.StatusForbidden},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tc.path, nil)
			if tc.header != "" {
				req.Header.Set("Authorization", tc.header)
			}

			w := httptest.NewRecorder()
			router.ServeHTTP(w, req)
			assert.Equal(t, tc.want, w.Code)
		})
	}
}
