package middlewares

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/mmdatafocus/mfg_backend/utils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type actorSeen struct {
	userId        int
	hasUser       bool
	userName      string
	admin         bool
	correlationId string
}

func serveWithActor(t *testing.T, headers map[string]string) (*httptest.ResponseRecorder, actorSeen) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	var seen actorSeen
	r := gin.New()
	r.Use(ActorMiddleware())
	r.GET("/whoami", func(c *gin.Context) {
		ctx := c.Request.Context()
		seen.userId, seen.hasUser = utils.GetUserIdFromContext(ctx)
		seen.userName, _ = utils.GetUserNameFromContext(ctx)
		seen.admin = utils.IsAdmin(ctx)
		seen.correlationId, _ = utils.GetCorrelationIdFromContext(ctx)
		c.Status(http.StatusNoContent)
	})

	req := httptest.NewRequest(http.MethodGet, "/whoami", nil)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	require.Equal(t, http.StatusNoContent, w.Code)
	return w, seen
}

func TestActorMiddleware_CopiesGatewayHeaders(t *testing.T) {
	w, seen := serveWithActor(t, map[string]string{
		HeaderUserId:        "42",
		HeaderUserName:      " planner ",
		HeaderAdmin:         "true",
		HeaderCorrelationId: "req-123",
	})
	assert.True(t, seen.hasUser)
	assert.Equal(t, 42, seen.userId)
	assert.Equal(t, "planner", seen.userName)
	assert.True(t, seen.admin)
	assert.Equal(t, "req-123", seen.correlationId)
	assert.Equal(t, "req-123", w.Header().Get(HeaderCorrelationId))
}

func TestActorMiddleware_AnonymousRequestGetsCorrelationId(t *testing.T) {
	w, seen := serveWithActor(t, map[string]string{
		HeaderUserId: "not-a-number",
		HeaderAdmin:  "yes please",
	})
	assert.False(t, seen.hasUser)
	assert.False(t, seen.admin)
	assert.NotEmpty(t, seen.correlationId)
	assert.Equal(t, seen.correlationId, w.Header().Get(HeaderCorrelationId))
}
