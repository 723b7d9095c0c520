package handlers

import (
	"encoding/hex"
	"net/http"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

const fingerprintLen = 64

func badPathParam(w http.ResponseWriter, code, message string, logger *zap.Logger) {
	if err := ErrorResponse(w, http.StatusBadRequest, code, message); err != nil {
		logger.Error("Failed to write error response", zap.Error(err))
	}
}

// ParseFingerprint reads the {fingerprint} path value, a hex SHA-256. On
// failure it writes a 400 and returns false.
func ParseFingerprint(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (string, bool) {
	fp := r.PathValue("fingerprint")
	if len(fp) != fingerprintLen {
		badPathParam(w, "invalid_fingerprint", "Invalid connection fingerprint", logger)
		return "", false
	}
	if _, err := hex.DecodeString(fp); err != nil {
		badPathParam(w, "invalid_fingerprint", "Invalid connection fingerprint", logger)
		return "", false
	}
	return fp, true
}

// ParseOverrideID reads the {oid} path value.
func ParseOverrideID(w http.ResponseWriter, r *http.Request, logger *zap.Logger) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("oid"))
	if err != nil {
		badPathParam(w, "invalid_override_id", "Invalid override ID format", logger)
		return uuid.Nil, false
	}
	return id, true
}
