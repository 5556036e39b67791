package handlers

import (
	"net/http"

	"github.com/upb/inference-gateway/services/problems"
	"go.uber.org/zap"
)

// HandleServiceError maps err to a problem document and writes it. Server
// errors are logged with the underlying cause; the body never carries it.
func HandleServiceError(w http.ResponseWriter, err error, requestID string, logger *zap.Logger) {
	if err == nil {
		return
	}
	writeProblem(w, problems.Map(err, requestID), err, logger)
}

func writeProblem(w http.ResponseWriter, p *problems.Problem, cause error, logger *zap.Logger) {
	if p == nil {
		return
	}

	fields := []zap.Field{
		zap.String("request_id", p.Instance),
		zap.Int("status", p.Status),
		zap.String("code", p.Code),
	}
	if cause != nil {
		fields = append(fields, zap.Error(cause))
	}
	switch {
	case p.Status >= http.StatusInternalServerError:
		logger.Error("request failed", fields...)
	default:
		logger.Warn("request rejected", append(fields, zap.String("message", p.Message))...)
	}

	if err := problems.Write(w, p); err != nil {
		logger.Error("failed to write problem response", zap.Error(err))
	}
}
