package api

import (
	"errors"
	"net/http"
	"strings"

	"payment-service/internal/apperr"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"go.uber.org/zap"
)

// respondError renders err as {"success":false,"error":code,"message":msg}.
// Errors that are not *apperr.Error become INTERNAL_ERROR and are logged.
func (h *Handler) respondError(c *gin.Context, err error) {
	appErr, ok := apperr.From(err)
	if !ok {
		h.logger.Error("Unhandled error",
			zap.String("path", c.FullPath()), zap.String("request_id", c.GetString(requestIDKey)), zap.Error(err))
		appErr = apperr.ErrInternal
	}
	_ = c.Error(err)

	body := gin.H{
		"success": false,
		"error":   appErr.Code,
		"message": appErr.Message,
	}
	if len(appErr.Meta) > 0 {
		body["meta"] = appErr.Meta
	}
	c.AbortWithStatusJSON(appErr.Status, body)
}

// bindError converts a binding failure into VALIDATION_ERROR listing the
// offending fields.
func bindError(err error) error {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		fields := make(map[string]string, len(verrs))
		for _, fe := range verrs {
			fields[snakeCase(fe.Field())] = fe.Tag()
		}
		return apperr.ErrValidation.WithMeta("fields", fields)
	}
	return apperr.ErrValidation.WithMessage("invalid request: %v", err)
}

func snakeCase(s string) string {
	var b strings.Builder
	prevLower := false
	for _, r := range s {
		upper := r >= 'A' && r <= 'Z'
		if upper {
			if prevLower {
				b.WriteByte('_')
			}
			r += 'a' - 'A'
		}
		prevLower = !upper
		b.WriteRune(r)
	}
	return b.String()
}

func respondOK(c *gin.Context, status int, data any) {
	c.JSON(status, gin.H{"success": true, "data": data})
}

// notFoundHandler keeps unknown routes in the same error shape.
func notFoundHandler(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"success": false, "error": "NOT_FOUND", "message": "route not found"})
}
