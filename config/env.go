package config

import (
	"fmt"
	"os"
	"strings"
)

// ResolveEnvRef resolves a ${NAME} environment reference to the variable's
// value. Plain values pass through unchanged. Referencing an unset variable
// is an error: credentials must never silently resolve to empty strings.
//
// Only whole-value ${NAME} references on designated credential fields
// resolve; there is no general templating.
func ResolveEnvRef(value string) (string, error) {
	if !strings.HasPrefix(value, "${") || !strings.HasSuffix(value, "}") {
		return value, nil
	}
	name := value[2 : len(value)-1]
	if name == "" {
		return "", fmt.Errorf("config: empty environment reference")
	}
	resolved, ok := os.LookupEnv(name)
	if !ok {
		return "", fmt.Errorf("config: environment variable %s is not set", name)
	}
	return resolved, nil
}
