// Package gravatar builds avatar URLs from email addresses so new accounts
// get a usable picture without an upload step.
package gravatar

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// URL returns the Gravatar URL for an email address, or "" for an empty
// address. The d=404 parameter makes Gravatar answer 404 instead of a
// placeholder, so clients can fall back to initials.
func URL(email string) string {
	email = strings.ToLower(strings.TrimSpace(email))
	if email == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(email))
	return "https://gravatar.com/avatar/" + hex.EncodeToString(sum[:]) + "?d=404&s=256"
}
