package api

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rossigee/reelforge/internal/jobs"
	"github.com/rossigee/reelforge/internal/storage"
	"github.com/rossigee/reelforge/pkg/types"
	"github.com/sirupsen/logrus"
)

// respondError maps service errors to the JSON error envelope. Unrecognised
// errors are logged and reported without detail.
func respondError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, storage.ErrJobNotFound):
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "job not found",
			Message: err.Error(),
			Code:    404,
		})
	case errors.Is(err, storage.ErrProjectNotFound):
		c.JSON(http.StatusNotFound, types.ErrorResponse{
			Error:   "project not found",
			Message: err.Error(),
			Code:    404,
		})
	case errors.Is(err, jobs.ErrUnknownJobType), errors.Is(err, jobs.ErrInvalidPayload):
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid request",
			Message: err.Error(),
			Code:    400,
		})
	case errors.Is(err, storage.ErrInvalidCursor):
		c.JSON(http.StatusBadRequest, types.ErrorResponse{
			Error:   "invalid cursor",
			Message: err.Error(),
			Code:    400,
		})
	default:
		logrus.WithFields(logrus.Fields{
			"method": c.Request.Method,
			"path":   c.FullPath(),
		}).WithError(err).Error("Request failed")
		c.JSON(http.StatusInternalServerError, types.ErrorResponse{
			Error:   "internal error",
			Message: "the request could not be completed",
			Code:    500,
		})
	}
}
