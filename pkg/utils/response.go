package utils

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// ErrorResponse es el cuerpo estándar de error de la superficie de control.
type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

// SendSuccess envuelve el payload en {"data": ...}.
func SendSuccess(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, gin.H{
		"data": data,
	})
}

// SendAccepted se usa cuando el cambio queda encolado pero aún no ha llegado al servidor.
func SendAccepted(c *gin.Context, data interface{}) {
	SendSuccess(c, http.StatusAccepted, data)
}

// SendError responde {"error": {"message", "code"}}; code es el texto del status HTTP.
func SendError(c *gin.Context, statusCode int, message string) {
	c.AbortWithStatusJSON(statusCode, gin.H{
		"error": ErrorResponse{
			Message: message,
			Code:    http.StatusText(statusCode),
		},
	})
}

func SendBadRequest(c *gin.Context, message string) {
	SendError(c, http.StatusBadRequest, message)
}

func SendNotFound(c *gin.Context, message string) {
	SendError(c, http.StatusNotFound, message)
}

func SendInternalServerError(c *gin.Context, message string) {
	SendError(c, http.StatusInternalServerError, message)
}
