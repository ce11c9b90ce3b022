package activity

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
)

func listRequest(t *testing.T, query string, user string) *httptest.ResponseRecorder {
	t.Helper()
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)
	c.Request = httptest.NewRequest(http.MethodGet, "/api/activity"+query, nil)
	if user != "" {
		c.Set("user", user)
	}

	h := NewHandler(nil)
	h.List(c)
	return w
}

func TestListRequiresUser(t *testing.T) {
	w := listRequest(t, "", "")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestListRejectsBadFromTimestamp(t *testing.T) {
	w := listRequest(t, "?from=yesterday", "user-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "from")
}

func TestListRejectsBadToTimestamp(t *testing.T) {
	w := listRequest(t, "?to=2026-13-99", "user-1")
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "to")
}
