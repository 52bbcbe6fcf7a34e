package handler

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/jwalitptl/consult-core/internal/middleware"
	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

// Registrar is implemented by every resource handler.
type Registrar interface {
	RegisterRoutes(*gin.RouterGroup)
}

// ParseID reads a uuid path parameter, responding 400 when it is malformed.
func ParseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		httputil.RespondWithError(c, errors.InvalidInput("invalid "+name, err))
		return uuid.Nil, false
	}
	return id, true
}

// Actor returns the authenticated caller, responding 401 when absent.
func Actor(c *gin.Context) (model.Actor, bool) {
	actor, ok := middleware.ActorFrom(c)
	if !ok {
		httputil.RespondWithError(c, errors.Unauthorized(nil))
		return model.Actor{}, false
	}
	return actor, true
}

// Access returns the justification headers parsed by the access middleware.
func Access(c *gin.Context) model.AccessRequest {
	return model.AccessRequestFromContext(c.Request.Context())
}

// BindJSON decodes the request body into obj, responding 400 on failure.
func BindJSON(c *gin.Context, obj interface{}) bool {
	if err := c.ShouldBindJSON(obj); err != nil {
		httputil.RespondWithError(c, errors.InvalidInput("malformed request body", err))
		return false
	}
	return true
}
