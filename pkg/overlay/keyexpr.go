package overlay

import (
	"fmt"
	"strings"
)

// ValidateKeyExpr checks that expr is a well-formed key expression.
func ValidateKeyExpr(expr string) error {
	if expr == "" {
		return fmt.Errorf("%w: empty", ErrInvalidKey)
	}
	for _, chunk := range strings.Split(expr, "/") {
		if chunk == "" {
			return fmt.Errorf("%w: %q has an empty chunk", ErrInvalidKey, expr)
		}
		if strings.Contains(chunk, "*") && chunk != "*" && chunk != "**" {
			return fmt.Errorf("%w: %q mixes wildcards into chunk %q", ErrInvalidKey, expr, chunk)
		}
	}
	return nil
}

// validateKey checks that key is a concrete key, usable for puts and replies.
func validateKey(key string) error {
	if err := ValidateKeyExpr(key); err != nil {
		return err
	}
	if strings.Contains(key, "*") {
		return fmt.Errorf("%w: %q contains wildcards", ErrInvalidKey, key)
	}
	return nil
}

// Intersects reports whether some concrete key matches both a and b.
func Intersects(a, b string) bool {
	return intersectChunks(strings.Split(a, "/"), strings.Split(b, "/"))
}

func intersectChunks(a, b []string) bool {
	if len(a) == 0 && len(b) == 0 {
		return true
	}
	if len(a) > 0 && a[0] == "**" {
		if intersectChunks(a[1:], b) {
			return true
		}
		return len(b) > 0 && intersectChunks(a, b[1:])
	}
	if len(b) > 0 && b[0] == "**" {
		return intersectChunks(b, a)
	}
	if len(a) == 0 || len(b) == 0 {
		return false
	}
	if a[0] == "*" || b[0] == "*" || a[0] == b[0] {
		return intersectChunks(a[1:], b[1:])
	}
	return false
}
