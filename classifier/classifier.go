package classifier

import (
	"context"
	"errors"

	"ecosentinel/models"
)

// Error taxonomy for classifier calls. Gateways wrap these sentinels so
// callers branch with errors.Is.
var (
	// ErrUnavailable covers timeouts and transport failures. Transient; the
	// gateway retries it, and the pipeline parks the report afterwards.
	ErrUnavailable = errors.New("classifier unavailable")

	// ErrRejected covers malformed input and unparseable model output.
	// Permanent; never retried.
	ErrRejected = errors.New("classifier rejected")

	// ErrQuotaExceeded signals the external service is throttling us.
	// The pipeline pauses new classifier calls for a cooldown window.
	ErrQuotaExceeded = errors.New("classifier quota exceeded")
)

// Client abstracts the external vision classifier used by the pipeline.
// Implementations must be concurrency-safe and must never mutate any ledger.
type Client interface {
	// Classify sends the image plus optional location/description context and
	// returns the normalized verdict. Errors wrap one of the sentinels above.
	Classify(ctx context.Context, image []byte, locationHint, description string) (*models.Verdict, error)
	// SourceName returns a short provider label for logs and metrics.
	SourceName() string
}
