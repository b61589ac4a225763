package registry

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/url"
)

// secretPrefix marks generated signing secrets so they are recognizable
// in receiver configuration.
const secretPrefix = "whsec_"

// NewSecret generates a cryptographically random signing secret.
// It is returned to the caller exactly once, at creation or rotation.
func NewSecret() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate secret: %w", err)
	}
	return secretPrefix + hex.EncodeToString(buf), nil
}

// ValidateTargetURL checks that a subscription endpoint is an absolute
// http(s) URL. Malformed targets are a synchronous configuration error,
// never a delivery-time surprise.
func ValidateTargetURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("target_url is required")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("scheme must be http or https")
	}
	if u.Host == "" {
		return fmt.Errorf("host is required")
	}
	return nil
}
