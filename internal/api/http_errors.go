package api

import (
	"errors"
	"net/http"

	"github.com/hugo-lorenzo-mato/deepresearch/internal/core"
)

func httpStatusForDomainError(err error) (int, bool) {
	var fatal *core.WorkflowFatalError
	if errors.As(err, &fatal) {
		return http.StatusBadGateway, true
	}

	var domErr *core.DomainError
	if !errors.As(err, &domErr) || domErr == nil {
		return 0, false
	}

	switch domErr.Category {
	case core.ErrCatValidation:
		return http.StatusUnprocessableEntity, true
	case core.ErrCatNotFound:
		return http.StatusNotFound, true
	case core.ErrCatConflict, core.ErrCatState:
		return http.StatusConflict, true
	case core.ErrCatRateLimit:
		return http.StatusTooManyRequests, true
	case core.ErrCatTimeout:
		return http.StatusGatewayTimeout, true
	case core.ErrCatProvider, core.ErrCatNetwork, core.ErrCatParse:
		return http.StatusBadGateway, true
	default:
		return http.StatusInternalServerError, true
	}
}
