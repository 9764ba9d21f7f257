package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testIssuer() *Issuer {
	return NewIssuer("attendsync", "test-signing-key", time.Minute, time.Hour)
}

func TestIssueAndParse(t *testing.T) {
	iss := testIssuer()
	pair, err := iss.Issue("dev-1", RoleDevice)
	require.NoError(t, err)
	assert.True(t, pair.RefreshExp.After(pair.AccessExp))

	claims, err := iss.Parse(pair.AccessToken, UseAccess)
	require.NoError(t, err)
	assert.Equal(t, "dev-1", claims.Subject)
	assert.Equal(t, RoleDevice, claims.Role)

	_, err = iss.Parse(pair.RefreshToken, UseAccess)
	assert.Error(t, err, "refresh token is not an access token")
}

func TestParseRejects(t *testing.T) {
	iss := testIssuer()
	pair, err := iss.Issue("dev-1", RoleDevice)
	require.NoError(t, err)

	other := NewIssuer("attendsync", "other-key", time.Minute, time.Hour)
	_, err = other.Parse(pair.AccessToken, UseAccess)
	assert.Error(t, err)

	foreign := NewIssuer("someone-else", "test-signing-key", time.Minute, time.Hour)
	_, err = foreign.Parse(pair.AccessToken, UseAccess)
	assert.Error(t, err)

	later := testIssuer()
	later.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	_, err = later.Parse(pair.AccessToken, UseAccess)
	assert.Error(t, err, "expired")
}

func TestRefresh(t *testing.T) {
	iss := testIssuer()
	pair, err := iss.Issue("ops", RoleOperator)
	require.NoError(t, err)

	next, err := iss.Refresh(pair.RefreshToken)
	require.NoError(t, err)
	claims, err := iss.Parse(next.AccessToken, UseAccess)
	require.NoError(t, err)
	assert.Equal(t, RoleOperator, claims.Role)

	_, err = iss.Refresh(pair.AccessToken)
	assert.Error(t, err)
}

func router(iss *Issuer) *gin.Engine {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	g := r.Group("/", BearerAuth(iss))
	g.GET("/any", func(c *gin.Context) {
		claims, _ := ClaimsFrom(c)
		c.String(http.StatusOK, claims.Subject)
	})
	g.GET("/ops", RequireRole(RoleOperator), func(c *gin.Context) { c.Status(http.StatusNoContent) })
	return r
}

func call(t *testing.T, r *gin.Engine, iss *Issuer, path, role string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	if role != "" {
		pair, err := iss.Issue("who", role)
		require.NoError(t, err)
		req.Header.Set("Authorization", "Bearer "+pair.AccessToken)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestMiddleware(t *testing.T) {
	iss := testIssuer()
	r := router(iss)

	assert.Equal(t, http.StatusUnauthorized, call(t, r, iss, "/any", "").Code)

	w := call(t, r, iss, "/any", RoleDevice)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "who", w.Body.String())

	assert.Equal(t, http.StatusForbidden, call(t, r, iss, "/ops", RoleDevice).Code)
	assert.Equal(t, http.StatusNoContent, call(t, r, iss, "/ops", RoleOperator).Code)

	req := httptest.NewRequest(http.MethodGet, "/any", nil)
	req.Header.Set("Authorization", "Bearer not-a-jwt")
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}
