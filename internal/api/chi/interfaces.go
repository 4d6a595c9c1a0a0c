package chi

import (
	"context"

	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/dashboard"
	"github.com/kashkumarsingh/camsservicesnewp1-sub010/internal/livecontext"
)

// Dashboard defines what the API needs from the dashboard shell
type Dashboard interface {
	Status() dashboard.Status
	Ready() bool

	// Notify applies an invalidation locally
	Notify(names []livecontext.Name)

	// Resources returns the data hooks watching a context
	Resources(name livecontext.Name) []dashboard.Resource

	// Context carries the dashboard sync flag
	Context(parent context.Context) context.Context
}
