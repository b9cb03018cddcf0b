package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Generic codes. Reconciliation results use the service's outcome codes.
const (
	CodeOK             = "OK"
	CodeInvalidRequest = "INVALID_REQUEST"
	CodeUnauthorized   = "UNAUTHORIZED"
	CodeNotFound       = "NOT_FOUND"
	CodeInternalError  = "INTERNAL_ERROR"
)

// JSON writes the flat envelope {success, code, ...fields}. success and code
// always come from the arguments, never from fields.
func JSON(c *gin.Context, status int, success bool, code string, fields gin.H) {
	body := gin.H{}
	for k, v := range fields {
		body[k] = v
	}
	body["success"] = success
	body["code"] = code
	c.JSON(status, body)
}

func Success(c *gin.Context, code string, fields gin.H) {
	JSON(c, http.StatusOK, true, code, fields)
}

func Error(c *gin.Context, status int, code, message string) {
	fields := gin.H{}
	if message != "" {
		fields["error"] = message
	}
	JSON(c, status, false, code, fields)
}

func ParamError(c *gin.Context, message string) {
	Error(c, http.StatusBadRequest, CodeInvalidRequest, message)
}

func NotFound(c *gin.Context, message string) {
	Error(c, http.StatusNotFound, CodeNotFound, message)
}

// ServerError never echoes the underlying error to the client.
func ServerError(c *gin.Context) {
	Error(c, http.StatusInternalServerError, CodeInternalError, "internal error")
}
