package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/jwalitptl/consult-core/pkg/errors"
	"github.com/jwalitptl/consult-core/pkg/httputil"
)

// ErrorHandler renders errors attached with c.Error by handlers that did not
// write a response themselves.
func ErrorHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) == 0 || c.Writer.Written() {
			return
		}

		err := c.Errors.Last().Err
		if _, ok := errors.As(err); !ok && c.Errors.Last().IsType(gin.ErrorTypeBind) {
			err = errors.InvalidInput("malformed request", err)
		}
		httputil.RespondWithError(c, err)
	}
}
