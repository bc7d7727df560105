package pipeline

import (
	"encoding/json"
	"net/http"

	"github.com/parabit/memgate/internal/upload"
)

// errorBody is the only error shape clients ever see. Reason is one of
// the bounded codes; internal detail stays in logs.
type errorBody struct {
	Error  string `json:"error"`
	Reason string `json:"reason,omitempty"`
}

func writeError(w http.ResponseWriter, status int, class, reason string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(errorBody{Error: class, Reason: reason})
}

// rejectionStatus maps a multipart rejection code to its HTTP status
// and error class.
func rejectionStatus(reason upload.Reason) (int, string) {
	switch reason {
	case upload.ReasonSizeLimitExceeded, upload.ReasonPartCountExceeded, upload.ReasonCompressionRatioSuspicious:
		return http.StatusRequestEntityTooLarge, "payload_too_large"
	case upload.ReasonArchiveBlocked, upload.ReasonMagicByteDetected, upload.ReasonInvalidEncoding:
		return http.StatusUnsupportedMediaType, "unsupported_media"
	default:
		return http.StatusBadRequest, "bad_request"
	}
}
