package state

import "strings"

const redacted = "[REDACTED]"

// Substrings that mark an environment variable as secret.
var secretMarkers = []string{"PASSWORD", "PASSPHRASE", "SECRET", "TOKEN", "KEY", "CREDENTIAL", "AUTH", "PRIVATE", "CERT"}

// SanitizeEnv copies env with secret-looking values replaced, for display in
// plans and logs.
func SanitizeEnv(env map[string]string) map[string]string {
	if env == nil {
		return nil
	}
	out := make(map[string]string, len(env))
	for k, v := range env {
		if looksSecret(k) {
			v = redacted
		}
		out[k] = v
	}
	return out
}

func looksSecret(key string) bool {
	k := strings.ToUpper(key)
	for _, m := range secretMarkers {
		if strings.Contains(k, m) {
			return true
		}
	}
	return false
}
