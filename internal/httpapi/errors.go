package httpapi

import (
	"github.com/gin-gonic/gin"

	"github.com/boternity/boternity/internal/errs"
)

// writeError is the one place in this package that turns an error into an
// HTTP response. Every handler routes its error return through this
// function rather than calling c.JSON with a status literal directly.
func writeError(c *gin.Context, err error) {
	kind := errs.KindOf(err)
	c.JSON(errs.HTTPStatus(kind), gin.H{
		"error": err.Error(),
		"code":  string(kind),
	})
}
