package utils

import (
	"crypto/rand"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"
)

const serverIDFile = ".server_id"

// PersistentServerID returns a stable identity for this gateway instance,
// used to tell instances apart in logs when several share one Valkey
// backend. Resolution order: explicit override, previously saved id,
// hostname, freshly generated id (saved for next boot).
func PersistentServerID(override, storagePath string) string {
	if override != "" {
		return override
	}

	idFile := filepath.Join(storagePath, serverIDFile)
	if data, err := os.ReadFile(idFile); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id
		}
	}

	if hostname, err := os.Hostname(); err == nil && hostname != "" && hostname != "localhost" {
		if clean := sanitizeHostname(hostname); clean != "" {
			return "azgw-" + clean
		}
	}

	randomPart := make([]byte, 4)
	_, _ = rand.Read(randomPart)
	newID := "azgw-" + hex.EncodeToString(randomPart)

	_ = os.MkdirAll(storagePath, 0o755)
	_ = os.WriteFile(idFile, []byte(newID), 0o644)

	return newID
}

// sanitizeHostname keeps only characters safe for log fields and keys.
func sanitizeHostname(hostname string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' {
			return r
		}
		return -1
	}, hostname)
}
