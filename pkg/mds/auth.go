package mds

import (
	"fmt"
	"net/url"
	"strings"
)

// DeviceAuth is the {URL, header-key, header-value} triple read from the
// device's data-URI and auth characteristics. It authorizes chunk uploads to
// the cloud endpoint for the lifetime of one connection and is invalidated on
// disconnect, never reused across connections.
type DeviceAuth struct {
	URL   *url.URL
	Key   string
	Value string
}

// ParseDataURI parses the data-URI characteristic value: a UTF-8 string that
// must be an absolute URL.
func ParseDataURI(data []byte) (*url.URL, error) {
	s := strings.TrimSpace(string(data))
	if s == "" {
		return nil, fmt.Errorf("empty data URI")
	}
	u, err := url.Parse(s)
	if err != nil {
		return nil, fmt.Errorf("invalid data URI %q: %w", s, err)
	}
	if !u.IsAbs() || u.Host == "" {
		return nil, fmt.Errorf("data URI %q is not an absolute URL", s)
	}
	return u, nil
}

// ParseAuth parses the auth characteristic value: a UTF-8 string of the form
// "<header-name>:<header-value>", split on the FIRST colon so values may
// themselves contain colons.
func ParseAuth(data []byte) (key, value string, err error) {
	s := string(data)
	key, value, ok := strings.Cut(s, ":")
	if !ok || key == "" {
		return "", "", fmt.Errorf("auth data %q is not of the form <header>:<value>", s)
	}
	return key, value, nil
}
