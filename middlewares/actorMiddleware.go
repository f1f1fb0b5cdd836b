package middlewares

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/mmdatafocus/mfg_backend/utils"
)

// Headers set by the upstream gateway after it authenticated the caller.
const (
	HeaderUserId        = "X-User-Id"
	HeaderUserName      = "X-User-Name"
	HeaderAdmin         = "X-Admin"
	HeaderCorrelationId = "X-Correlation-Id"
)

// ActorMiddleware copies the gateway's actor headers into the request context
// and guarantees every request a correlation id.
func ActorMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		ctx := c.Request.Context()

		cid := strings.TrimSpace(c.GetHeader(HeaderCorrelationId))
		if cid == "" {
			cid = uuid.NewString()
		}
		ctx = utils.SetCorrelationIdInContext(ctx, cid)
		c.Header(HeaderCorrelationId, cid)

		if v := strings.TrimSpace(c.GetHeader(HeaderUserId)); v != "" {
			if userId, err := strconv.Atoi(v); err == nil {
				ctx = utils.SetUserIdInContext(ctx, userId)
			}
		}
		if v := strings.TrimSpace(c.GetHeader(HeaderUserName)); v != "" {
			ctx = utils.SetUserNameInContext(ctx, v)
		}
		if admin, err := strconv.ParseBool(strings.TrimSpace(c.GetHeader(HeaderAdmin))); err == nil && admin {
			ctx = utils.SetIsAdminInContext(ctx, true)
		}

		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}
