package httpapi

import (
	"errors"
	"net/http"

	"github.com/cesigoodfood/api-catalogue/internal/menu"
	"github.com/cesigoodfood/api-catalogue/internal/store"

	"github.com/gin-gonic/gin"
)

type errorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func abortWithError(c *gin.Context, status int, msg string, err error) {
	resp := errorResponse{Error: msg}
	if err != nil {
		resp.Details = err.Error()
	}
	c.AbortWithStatusJSON(status, resp)
}

// abortWithStoreError maps domain errors to HTTP statuses.
func abortWithStoreError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		abortWithError(c, http.StatusNotFound, "not found", nil)
	case errors.Is(err, menu.ErrInvalid):
		abortWithError(c, http.StatusBadRequest, "invalid request", err)
	case errors.Is(err, store.ErrConflict):
		abortWithError(c, http.StatusConflict, "conflict", err)
	default:
		_ = c.Error(err)
		abortWithError(c, http.StatusInternalServerError, "internal error", nil)
	}
}
