package worker

import (
	"crypto/rand"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// newAttemptID returns a sortable, unique ID (a ULID) for one worker attempt
// at a task. No worker currently calls it.
func newAttemptID() string {
	entropy := ulid.Monotonic(rand.Reader, 0)
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// newCorrelationID mints a fresh lowercase UUID correlation ID. No caller
// currently uses it; jobs added through Queue.Add carry no correlation ID.
func newCorrelationID() string {
	return strings.ToLower(uuid.NewString())
}
