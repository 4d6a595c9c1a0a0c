package models

import (
	"encoding/json"
	stderrors "errors"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/api/errors"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/channel"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
)

// MaxInvalidateBytes bounds an invalidation request body
const MaxInvalidateBytes = 64 << 10

// InvalidateRequest injects an invalidation as if it had arrived on the push
// channel. The body has the broadcast payload shape, {"contexts": [...]},
// optionally double-encoded as a JSON string.
type InvalidateRequest struct {
	Raw json.RawMessage

	// Known contexts after filtering
	Contexts []livecontext.Name
}

// UnmarshalJSON keeps the raw payload for ParseInvalidation
func (r *InvalidateRequest) UnmarshalJSON(data []byte) error {
	r.Raw = append(r.Raw[:0], data...)
	return nil
}

// Validate parses the payload through the same boundary as pushed events
func (r *InvalidateRequest) Validate() error {
	names, err := channel.ParseInvalidation(r.Raw)
	if stderrors.Is(err, channel.ErrEmptyPayload) {
		return errors.ValidationError("missing_contexts", "contexts is required")
	}
	if err != nil {
		return errors.ValidationError("invalid_payload", "Invalid invalidation payload: "+err.Error())
	}
	r.Contexts = names
	return nil
}
