// Package chatid defines the identity types shared by the cache, the
// reconciliation engine and the backend client: the two message id regimes
// (client-generated temporary ids and backend-assigned authoritative ids)
// and the composite keys entities are cached under.
//
// This is a leaf package; its only dependency beyond stdlib is uuid for the
// random suffix of temporary ids.
package chatid

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// TempPrefix marks a client-generated message id. Authoritative ids assigned
// by the backend never carry it.
const TempPrefix = "temp-"

// tempSuffixLen is the number of hex characters taken from a random UUID for
// the temporary id suffix. Eight characters keep ids short while making
// collisions within one millisecond practically impossible.
const tempSuffixLen = 8

// NewTempID returns a temporary message id of the form
// "temp-<unixMillis>-<random>" for an optimistic write made at now.
func NewTempID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:tempSuffixLen]

	return fmt.Sprintf("%s%d-%s", TempPrefix, now.UnixMilli(), suffix)
}

// IsTemp reports whether id belongs to the temporary regime.
func IsTemp(id string) bool {
	return strings.HasPrefix(id, TempPrefix)
}
