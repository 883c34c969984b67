package requestid

import (
	"strings"

	"github.com/google/uuid"
)

const Header = "X-Request-Id"

// New returns a dashless UUIDv4, safe to place in headers and log keys.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
