package ids

import (
	mathrand "math/rand"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(mathrand.New(mathrand.NewSource(time.Now().UnixNano())), 0)
)

// transferNamespace scopes derived transfer identifiers so they never collide
// with identifiers minted by other systems from the same key material.
var transferNamespace = uuid.MustParse("6f1c2a4e-5d0b-4b7e-9a51-3c8e2f7d9b10")

// New returns a lexicographically sortable identifier suitable for storage keys.
func New() string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), entropy).String()
}

// Derive returns a stable UUIDv5 for the joined parts. The same parts always
// yield the same identifier, which makes it usable as an idempotency token for
// downstream systems.
func Derive(parts ...string) string {
	return uuid.NewSHA1(transferNamespace, []byte(strings.Join(parts, "/"))).String()
}
