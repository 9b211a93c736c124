package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/langchou/viperbridge/internal/service"
)

// linkAccountBody 需要用户重新绑定账户时的响应
var linkAccountBody = gin.H{"error": "account not linked", "link_account": true}

// mapServiceError 把桥接层错误转换为 HTTP 状态码和响应体
func mapServiceError(err error) (int, gin.H) {
	switch {
	case errors.Is(err, service.ErrIdentity):
		return http.StatusUnauthorized, linkAccountBody

	case errors.Is(err, service.ErrVehicleAuthFailed):
		return http.StatusUnauthorized, gin.H{"error": "vehicle account rejected the stored credentials", "link_account": true}

	case errors.Is(err, service.ErrCredentialsMissing):
		return http.StatusPreconditionFailed, gin.H{"error": "vehicle account is not provisioned for this user"}

	case errors.Is(err, service.ErrInvalidTarget):
		return http.StatusBadRequest, gin.H{"error": "unknown vehicle"}

	case errors.Is(err, service.ErrInvalidCommand):
		return http.StatusBadRequest, gin.H{"error": "unsupported command"}

	case errors.Is(err, service.ErrNotFound):
		return http.StatusNotFound, gin.H{"error": "session not found"}

	case errors.Is(err, service.ErrIdentityUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "identity provider unavailable", "retryable": true}

	case errors.Is(err, service.ErrUpstreamUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "vehicle service unavailable", "retryable": true}

	case errors.Is(err, service.ErrStoreUnavailable):
		return http.StatusServiceUnavailable, gin.H{"error": "session store unavailable", "retryable": true}

	default:
		return http.StatusInternalServerError, gin.H{"error": "internal error"}
	}
}
