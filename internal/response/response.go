package response

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// Error codes returned in the Code field
const (
	CodeUnauthorized        = "unauthorized"
	CodeInvalidRequest      = "invalid_request"
	CodeNoAccount           = "no_account"
	CodeRateLimited         = "rate_limited"
	CodeProviderUnavailable = "provider_unavailable"
	CodePurchaseFailed      = "purchase_failed"
	CodeInternal            = "internal_error"
)

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message"`
	Code    string      `json:"code,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// Success returns a success response
func Success(data interface{}) Response {
	return Response{
		Success: true,
		Message: "success",
		Data:    data,
	}
}

// Error returns an error response
func Error(code, message string) Response {
	return Response{
		Success: false,
		Message: message,
		Code:    code,
	}
}

// JSON sends a JSON response
func JSON(c *gin.Context, statusCode int, response Response) {
	c.JSON(statusCode, response)
}

// SuccessJSON sends a success JSON response
func SuccessJSON(c *gin.Context, data interface{}) {
	JSON(c, http.StatusOK, Success(data))
}

// AcceptedJSON acknowledges work that completes asynchronously
func AcceptedJSON(c *gin.Context, message string, data interface{}) {
	r := Success(data)
	r.Message = message
	JSON(c, http.StatusAccepted, r)
}

// ErrorJSON sends an error JSON response
func ErrorJSON(c *gin.Context, statusCode int, code, message string) {
	JSON(c, statusCode, Error(code, message))
}

// AbortJSON stops the handler chain with an error response
func AbortJSON(c *gin.Context, statusCode int, code, message string) {
	c.AbortWithStatusJSON(statusCode, Error(code, message))
}
