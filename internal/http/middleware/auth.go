package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/aidenerard/fluxspace-site/internal/http/response"
	"github.com/aidenerard/fluxspace-site/internal/platform/ctxutil"
	"github.com/aidenerard/fluxspace-site/internal/platform/logger"
	"github.com/aidenerard/fluxspace-site/internal/services"
)

type AuthMiddleware struct {
	log         *logger.Logger
	authService services.AuthService
}

func NewAuthMiddleware(log *logger.Logger, authService services.AuthService) *AuthMiddleware {
	return &AuthMiddleware{log: log.With("middleware", "AuthMiddleware"), authService: authService}
}

func (am *AuthMiddleware) RequireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractToken(c)
		if tokenString == "" {
			c.Abort()
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", errMissingToken)
			return
		}
		ctx, err := am.authService.SetContextFromToken(c.Request.Context(), tokenString)
		if err != nil {
			am.log.Debug("Rejected bearer token", "error", err)
			c.Abort()
			response.RespondError(c, http.StatusUnauthorized, "unauthorized", err)
			return
		}
		userID := ctxutil.UserID(ctx)
		if userID == uuid.Nil {
			c.Abort()
			response.RespondError(c, http.StatusForbidden, "forbidden", errForbidden)
			return
		}
		trace.SpanFromContext(ctx).SetAttributes(attribute.String("enduser.id", userID.String()))
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}
}

func extractToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if len(authHeader) > 7 && strings.EqualFold(authHeader[:7], "Bearer ") {
		return strings.TrimSpace(authHeader[7:])
	}
	return ""
}
