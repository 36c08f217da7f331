// Package person provides the repository the person tools read from.
//
// Two backends implement [Repository]:
//
//   - [HTTPClient] talks to the person REST API (GET <base>/list and
//     GET <base>), guarded by a circuit breaker.
//   - [PostgresStore] reads the persons table directly with pgx.
//
// Both return the backend's JSON payload verbatim so the model sees exactly
// what the backend produced.
package person

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrInvalidPayload is returned when the backend answers with a body that is
// not valid JSON.
var ErrInvalidPayload = errors.New("person: backend returned invalid JSON")

// Repository reads person data.
type Repository interface {
	// List returns every person as a JSON array.
	List(ctx context.Context) (json.RawMessage, error)

	// Get returns the first person as a JSON object, or JSON null when there
	// is none.
	Get(ctx context.Context) (json.RawMessage, error)
}

// Pinger is implemented by repositories that can report backend reachability
// for readiness checks.
type Pinger interface {
	Ping(ctx context.Context) error
}

// StatusError reports a non-2xx answer from the person API.
type StatusError struct {
	URL        string
	StatusCode int
}

// Error implements error.
func (e *StatusError) Error() string {
	return fmt.Sprintf("person: GET %s: unexpected status %d", e.URL, e.StatusCode)
}
