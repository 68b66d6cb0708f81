package dispatcher

import (
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// idempotencyNamespace scopes the UUIDv5 keys of outbound actions.
var idempotencyNamespace = uuid.MustParse("6f1c8f5e-39a4-4a8e-9d0b-6e2f1d7c4b21")

// IdempotencyKey derives the stable key of the action at (path, cursor) of a
// run. Re-dispatching the same step after a crash yields the same key, so
// receivers can drop the duplicate.
func IdempotencyKey(conversationID, runID, path string, cursor int) string {
	name := strings.Join([]string{conversationID, runID, path, strconv.Itoa(cursor)}, "/")

	return uuid.NewSHA1(idempotencyNamespace, []byte(name)).String()
}
