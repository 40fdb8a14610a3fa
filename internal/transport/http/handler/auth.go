package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"medreport-ai/internal/app"
	"medreport-ai/internal/transport/http/response"
)

type AuthHandler struct {
	authService *app.AuthService
}

type TokenRequest struct {
	APIKey string `json:"api_key" binding:"required"`
}

func NewAuthHandler(authService *app.AuthService) *AuthHandler {
	return &AuthHandler{authService: authService}
}

// Token exchanges the pre-shared API key for a JWT.
func (h *AuthHandler) Token(c *gin.Context) {
	var req TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		response.Error(c, http.StatusBadRequest, response.CodeBadRequest, "invalid request payload")
		return
	}

	result, err := h.authService.IssueToken(req.APIKey)
	if err != nil {
		switch {
		case errors.Is(err, app.ErrInvalidInput):
			response.Error(c, http.StatusBadRequest, response.CodeBadRequest, err.Error())
		case errors.Is(err, app.ErrInvalidAPIKey):
			response.Error(c, http.StatusUnauthorized, response.CodeInvalidAPIKey, err.Error())
		default:
			response.Error(c, http.StatusInternalServerError, response.CodeInternalServer, "issue token failed")
		}
		return
	}

	response.OK(c, result)
}
