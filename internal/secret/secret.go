// Package secret obscures per-user credentials at rest.
package secret

import (
	"encoding/base64"
	"fmt"
)

// Obscure encodes v for storage. Empty input stays empty.
func Obscure(v string) string {
	if v == "" {
		return ""
	}
	return base64.StdEncoding.EncodeToString([]byte(v))
}

// Reveal decodes a value produced by Obscure.
func Reveal(v string) (string, error) {
	if v == "" {
		return "", nil
	}
	b, err := base64.StdEncoding.DecodeString(v)
	if err != nil {
		return "", fmt.Errorf("decode secret: %w", err)
	}
	return string(b), nil
}
