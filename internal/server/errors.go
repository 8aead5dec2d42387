package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	kverrors "github.com/devrev/quorumkv/internal/errors"
)

// ErrorResponse is the body of every non-2xx reply.
type ErrorResponse struct {
	Code      kverrors.ResultCode    `json:"code"`
	Message   string                 `json:"message"`
	Details   map[string]interface{} `json:"details,omitempty"`
	RequestID string                 `json:"request_id,omitempty"`
}

func httpStatus(err error) int {
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	var kv *kverrors.KVError
	if errors.As(err, &kv) {
		return kv.HTTPStatus()
	}
	return kverrors.NewKVError(kverrors.GetCode(err), "", nil).HTTPStatus()
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := httpStatus(err)
	resp := ErrorResponse{
		Code:      kverrors.ResultOf(err),
		Message:   err.Error(),
		RequestID: RequestIDFrom(r.Context()),
	}
	var kv *kverrors.KVError
	if errors.As(err, &kv) && len(kv.Details) > 0 {
		resp.Details = kv.Details
	}

	if status >= http.StatusInternalServerError && status != http.StatusServiceUnavailable {
		s.logger.Error("Request failed",
			zap.String("request_id", resp.RequestID),
			zap.String("path", r.URL.Path),
			zap.Error(err))
	}
	writeJSON(w, status, resp)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
