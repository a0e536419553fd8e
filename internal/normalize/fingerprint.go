package normalize

import (
	"strings"

	"github.com/openlistings/harvester/internal/hash/sha256"
)

// Fingerprint hashes the canonical identity tuple. The external id joins the
// tuple only when present, so records identified solely by content still
// fingerprint stably.
func Fingerprint(org, title, location, externalID string) string {
	parts := []string{
		strings.ToLower(strings.TrimSpace(org)),
		strings.ToLower(strings.TrimSpace(title)),
		strings.ToLower(strings.TrimSpace(location)),
	}
	if externalID != "" {
		parts = append(parts, externalID)
	}
	return sha256.HexString(strings.Join(parts, "|"))
}
