// Package ids generates the time-sortable identifiers used for retry
// records, triggers, and scheduler instances.
package ids

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
func CreateULID() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	id := ulid.MustNew(ulid.Timestamp(time.Now()), entropy)
	return id.String()
}

// InstanceID returns the cluster-unique identity a scheduler instance
// registers under. Stability across restarts is not required, so a fresh
// ULID prefixed with the service name is enough.
func InstanceID(serviceName string) string {
	if serviceName == "" {
		return CreateULID()
	}
	return serviceName + "-" + CreateULID()
}
