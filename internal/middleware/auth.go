package middleware

import (
	"slices"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

const ContextActor = "actor"

// TokenValidator resolves a bearer token to the actor it speaks for.
type TokenValidator interface {
	ValidateToken(token string) (model.Actor, error)
}

type AuthMiddleware struct {
	tokens TokenValidator
}

func NewAuthMiddleware(tokens TokenValidator) *AuthMiddleware {
	return &AuthMiddleware{tokens: tokens}
}

// Authenticate verifies the JWT and stores the actor on the gin and request
// contexts.
func (m *AuthMiddleware) Authenticate() gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			httputil.RespondWithError(c, errors.Unauthorized(nil).WithDetail("reason", "missing authorization header"))
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
			httputil.RespondWithError(c, errors.Unauthorized(nil).WithDetail("reason", "invalid authorization format"))
			return
		}

		actor, err := m.tokens.ValidateToken(parts[1])
		if err != nil {
			httputil.RespondWithError(c, errors.Unauthorized(err))
			return
		}

		c.Set(ContextActor, actor)
		c.Request = c.Request.WithContext(model.WithActor(c.Request.Context(), actor))
		c.Next()
	}
}

// RequireRole rejects actors whose role is not listed.
func (m *AuthMiddleware) RequireRole(roles ...model.Role) gin.HandlerFunc {
	return func(c *gin.Context) {
		actor, ok := ActorFrom(c)
		if !ok {
			httputil.RespondWithError(c, errors.Unauthorized(nil))
			return
		}
		if actor.Role != model.RoleAdmin && !slices.Contains(roles, actor.Role) {
			httputil.RespondWithError(c, errors.Forbidden("role "+string(actor.Role)+" may not perform this action"))
			return
		}
		c.Next()
	}
}

// ActorFrom returns the authenticated actor.
func ActorFrom(c *gin.Context) (model.Actor, bool) {
	v, ok := c.Get(ContextActor)
	if !ok {
		return model.Actor{}, false
	}
	actor, ok := v.(model.Actor)
	return actor, ok
}
