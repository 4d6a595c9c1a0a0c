package validation

import (
	"encoding/json"
	stderrors "errors"
	"io"
	"net/http"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/errors"
)

// Validator defines the interface for request validation
type Validator interface {
	Validate() error
}

// ParseAndValidate parses a JSON request body of at most maxBytes and
// validates it
func ParseAndValidate(w http.ResponseWriter, r *http.Request, maxBytes int64, v Validator) error {
	body := http.MaxBytesReader(w, r.Body, maxBytes)
	defer body.Close()

	if err := json.NewDecoder(body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		switch {
		case stderrors.Is(err, io.EOF):
			return errors.ValidationError("empty_request_body", "Request body is empty")
		case stderrors.As(err, &tooLarge):
			return errors.ValidationError("request_too_large", "Request body is too large")
		default:
			return errors.ValidationError("invalid_json", "Invalid JSON format: "+err.Error())
		}
	}

	return v.Validate()
}
