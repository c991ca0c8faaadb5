package providers

import (
	"fmt"
	"os"
	"strings"
)

// ResolveCredential reads a credential from the environment variable named
// by ref. The registry only ever stores the reference.
func ResolveCredential(ref string) (string, error) {
	if ref == "" {
		return "", fmt.Errorf("credential reference is empty")
	}
	value := strings.TrimSpace(os.Getenv(ref))
	if value == "" {
		return "", fmt.Errorf("credential %s is not set", ref)
	}
	return value, nil
}
