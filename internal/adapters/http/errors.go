package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Verify/internal/domain"
)

func errorBody(kind, message string) gin.H {
	return gin.H{"error": gin.H{"kind": kind, "message": message}}
}

func statusFor(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindSessionNotFound, domain.KindDocumentNotFound:
		return http.StatusNotFound
	case domain.KindPermissionDenied, domain.KindConsentRequired:
		return http.StatusForbidden
	case domain.KindInvalidTransition, domain.KindAttemptActive, domain.KindAlreadyRecording,
		domain.KindNotRecording, domain.KindNotConnected, domain.KindNoLocalMedia:
		return http.StatusConflict
	case domain.KindDeviceUnavailable:
		return http.StatusServiceUnavailable
	case domain.KindNegotiationTimeout:
		return http.StatusGatewayTimeout
	case domain.KindChannelFailed, domain.KindUploadFailed:
		return http.StatusBadGateway
	}
	return http.StatusInternalServerError
}

// abortWithError writes err as {"error": {"kind", "message"}}. Only the
// user-facing message leaves the process; the cause is logged.
func abortWithError(c *gin.Context, err error) {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		c.AbortWithStatusJSON(http.StatusRequestTimeout, errorBody("cancelled", "the request was cancelled"))
		return
	}
	kind := domain.KindOf(err)
	status := statusFor(kind)
	if status >= http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	if kind == "" {
		kind = "internal"
	}
	c.AbortWithStatusJSON(status, errorBody(string(kind), domain.MessageOf(err)))
}
