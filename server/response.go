package server

import (
	"context"
	"errors"
	"net/http"
	"time"

	apperrors "github.com/Digital-Creators-Team/progressive-core/errors"
	"github.com/Digital-Creators-Team/progressive-core/middleware"
	"github.com/Digital-Creators-Team/progressive-core/types"
	"github.com/gin-gonic/gin"
)

const ErrUndefinedErrorCode = -99

// ErrorResponse is an alias for types.ErrorResponse
type ErrorResponse = types.ErrorResponse

// Success sends a success response
func Success(c *gin.Context, statusCode int, data interface{}) {
	c.JSON(statusCode, types.SuccessResponse[interface{}]{
		StatusCode: statusCode,
		IsSuccess:  true,
		Data:       data,
	})
}

// OK sends a 200 OK response
func OK(c *gin.Context, data interface{}) {
	Success(c, http.StatusOK, data)
}

// Error sends an error response
func Error(c *gin.Context, statusCode int, err error) {
	errorMsg := err.Error()
	errCode := ErrUndefinedErrorCode
	if appErr, ok := apperrors.As(err); ok {
		errorMsg = appErr.Message
		errCode = appErr.Code
	}

	c.JSON(statusCode, types.ErrorResponse{
		StatusCode: statusCode,
		IsSuccess:  false,
		Error: types.ErrorDetail{
			Timestamp:    time.Now().Format(time.RFC3339),
			Path:         c.Request.URL.Path,
			ErrorMessage: errorMsg,
			ErrorCode:    errCode,
			TraceID:      middleware.GetTraceID(c),
		},
	})
}

// BadRequest sends a 400 Bad Request response
func BadRequest(c *gin.Context, err error) {
	Error(c, http.StatusBadRequest, apperrors.Wrap(err, apperrors.ErrInvalidRequest, err.Error()))
}

// HandleAppError maps err to its HTTP status and sends it. A request whose
// deadline expired while waiting on a level reports the level as busy.
func HandleAppError(c *gin.Context, err error) {
	if errors.Is(err, context.DeadlineExceeded) && !apperrors.IsAppError(err) {
		err = apperrors.Wrap(err, apperrors.ErrLevelBusy, "progressive level busy")
	}
	if appErr, ok := apperrors.As(err); ok {
		Error(c, apperrors.HTTPStatusFromCode(appErr.Code), appErr)
		return
	}
	Error(c, http.StatusInternalServerError, err)
}
