package ids

import (
	"strings"

	"github.com/google/uuid"
)

// New returns a 32 character lowercase hex id.
func New() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// Prefixed returns New with a short kind prefix, e.g. "job_<hex>".
func Prefixed(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return New()
	}
	return prefix + "_" + New()
}
