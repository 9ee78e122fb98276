package api

import (
	"net/http"

	"ptybridge/internal/orchestrator"
)

func errorCodeForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return "invalid_request"
	case http.StatusUnauthorized:
		return "unauthorized"
	case http.StatusForbidden:
		return "forbidden"
	case http.StatusNotFound:
		return "not_found"
	case http.StatusMethodNotAllowed:
		return "method_not_allowed"
	case http.StatusConflict:
		return "conflict"
	case http.StatusTooManyRequests:
		return "rate_limited"
	case http.StatusServiceUnavailable:
		return "service_unavailable"
	default:
		if status >= http.StatusInternalServerError {
			return "internal_error"
		}
	}
	return ""
}

// orchestratorError maps an orchestrator failure onto an HTTP error.
func orchestratorError(name string, err error) *apiError {
	kind := orchestrator.KindOf(err)
	status := http.StatusInternalServerError
	switch kind {
	case orchestrator.KindUnknownAgent:
		status = http.StatusNotFound
	case orchestrator.KindInvalidRequest:
		status = http.StatusBadRequest
	case orchestrator.KindClosed:
		status = http.StatusServiceUnavailable
	}
	return &apiError{Status: status, Message: err.Error(), Code: string(kind), Agent: name}
}
