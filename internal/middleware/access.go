package middleware

import (
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consult-core/internal/model"
	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

const (
	HeaderJustification   = "X-Access-Justification"
	HeaderEmergencyAccess = "X-Emergency-Access"

	maxJustificationLength = 500
)

// AccessJustification reads the caller's stated reason for touching PHI and
// the break-glass flag. Whether a reason is required is decided when the
// audit event is built.
func AccessJustification() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := model.AccessRequest{
			Justification: strings.TrimSpace(c.GetHeader(HeaderJustification)),
			RequestID:     c.GetString(ContextRequestID),
		}
		if len(req.Justification) > maxJustificationLength {
			httputil.RespondWithError(c, errors.InvalidInput("access justification is too long", nil))
			return
		}

		if raw := c.GetHeader(HeaderEmergencyAccess); raw != "" {
			emergency, err := strconv.ParseBool(raw)
			if err != nil {
				httputil.RespondWithError(c, errors.InvalidInput(HeaderEmergencyAccess+" must be a boolean", err))
				return
			}
			req.Emergency = emergency
		}

		c.Request = c.Request.WithContext(model.WithAccessRequest(c.Request.Context(), req))
		c.Next()
	}
}
