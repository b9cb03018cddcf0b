package response

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return body
}

func TestSuccess(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Success(c, "VERIFIED_SUCCESS", gin.H{"balance": 5000, "success": false, "code": "X"})

	assert.Equal(t, http.StatusOK, w.Code)
	body := decode(t, w)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "VERIFIED_SUCCESS", body["code"])
	assert.Equal(t, float64(5000), body["balance"])
}

func TestErrors(t *testing.T) {
	gin.SetMode(gin.TestMode)

	tests := []struct {
		name   string
		write  func(c *gin.Context)
		status int
		code   string
		errMsg string
	}{
		{"param", func(c *gin.Context) { ParamError(c, "user_id is required") }, http.StatusBadRequest, CodeInvalidRequest, "user_id is required"},
		{"not found", func(c *gin.Context) { NotFound(c, "") }, http.StatusNotFound, CodeNotFound, ""},
		{"server", func(c *gin.Context) { ServerError(c) }, http.StatusInternalServerError, CodeInternalError, "internal error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			c, _ := gin.CreateTestContext(w)
			tt.write(c)

			assert.Equal(t, tt.status, w.Code)
			body := decode(t, w)
			assert.Equal(t, false, body["success"])
			assert.Equal(t, tt.code, body["code"])
			if tt.errMsg == "" {
				assert.NotContains(t, body, "error")
			} else {
				assert.Equal(t, tt.errMsg, body["error"])
			}
		})
	}
}
