package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIssueAndParse(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	token, err := svc.IssueToken("ops-1", "operator")
	require.NoError(t, err)

	claims, err := svc.ParseToken(token)
	require.NoError(t, err)
	assert.Equal(t, "ops-1", claims.Subject)
	assert.Equal(t, "operator", claims.Role)
}

func TestParseRejections(t *testing.T) {
	svc := NewService("test-secret", time.Hour)

	t.Run("garbage token", func(t *testing.T) {
		_, err := svc.ParseToken("not-a-token")
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("wrong secret", func(t *testing.T) {
		other := NewService("other-secret", time.Hour)
		token, err := other.IssueToken("ops-1", "operator")
		require.NoError(t, err)

		_, err = svc.ParseToken(token)
		assert.True(t, errors.Is(err, ErrInvalidToken))
	})

	t.Run("expired token", func(t *testing.T) {
		shortLived := NewService("test-secret", -time.Minute)
		token, err := shortLived.IssueToken("ops-1", "operator")
		require.NoError(t, err)

		_, err = svc.ParseToken(token)
		assert.True(t, errors.Is(err, ErrTokenExpired))
	})
}

func TestRequireRole(t *testing.T) {
	gin.SetMode(gin.TestMode)
	svc := NewService("test-secret", time.Hour)

	router := gin.New()
	router.GET("/admin", svc.RequireRole("operator"), func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"subject": c.GetString("subject")})
	})

	request := func(header string) *httptest.ResponseRecorder {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/admin", nil)
		if header != "" {
			req.Header.Set("Authorization", header)
		}
		router.ServeHTTP(w, req)
		return w
	}

	t.Run("missing token", func(t *testing.T) {
		assert.Equal(t, http.StatusUnauthorized, request("").Code)
	})

	t.Run("wrong role", func(t *testing.T) {
		token, err := svc.IssueToken("user-1", "trader")
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, request("Bearer "+token).Code)
	})

	t.Run("operator passes", func(t *testing.T) {
		token, err := svc.IssueToken("ops-1", "operator")
		require.NoError(t, err)

		w := request("Bearer " + token)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), "ops-1")
	})
}
