package response

import (
	"net/http"

	"offlinesync/internal/apperror"

	"github.com/gin-gonic/gin"
)

const CodeOK = "OK"

type Response struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func Success(c *gin.Context, data interface{}) {
	c.JSON(http.StatusOK, Response{
		Code:    CodeOK,
		Message: "success",
		Data:    data,
	})
}

// Error 按错误码返回对应的 HTTP 状态，Internal 错误只返回通用信息
func Error(c *gin.Context, err error) {
	code := apperror.CodeOf(err)
	c.JSON(HTTPStatus(code), Response{
		Code:    string(code),
		Message: apperror.MessageOf(err),
	})
}

// Abort 中间件中使用，终止后续处理
func Abort(c *gin.Context, err error) {
	code := apperror.CodeOf(err)
	c.AbortWithStatusJSON(HTTPStatus(code), Response{
		Code:    string(code),
		Message: apperror.MessageOf(err),
	})
}

func HTTPStatus(code apperror.Code) int {
	switch code {
	case apperror.CodeInvalidArgument:
		return http.StatusBadRequest
	case apperror.CodeUnauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}
