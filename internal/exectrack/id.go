package exectrack

import "github.com/google/uuid"

// GenerateID generates a random ID with the given prefix.
func GenerateID(prefix string) string {
	return prefix + "-" + uuid.NewString()
}
