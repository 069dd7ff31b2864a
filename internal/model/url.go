package model

import (
	"fmt"
	"net/url"
)

// validateHTTPSURL returns an error unless raw parses as an absolute
// "https://" URL with a non-empty host.
func validateHTTPSURL(raw string) (err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("parsing url: %w", err)
	}

	if u.Scheme != "https" {
		return fmt.Errorf("scheme must be https, got %q", u.Scheme)
	}

	if u.Host == "" {
		return fmt.Errorf("url %q has no host", raw)
	}

	return nil
}
