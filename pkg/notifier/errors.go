package notifier

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strings"
)

var (
	// ErrConfigMissing indicates that an API URL, token, template or session is not configured.
	ErrConfigMissing = errors.New("configuration missing")
	// ErrNoMatch indicates that no vendor or remote order matched the row.
	ErrNoMatch = errors.New("no match")
	// ErrParse indicates that a date or response body could not be parsed.
	ErrParse = errors.New("parse failure")
)

// RemoteError indicates that a remote endpoint answered with a non-2xx status.
type RemoteError struct {
	Text   string
	Status int
}

func (e *RemoteError) Error() string {
	if e.Text == "" {
		return fmt.Sprintf("HTTP %d", e.Status)
	}
	return fmt.Sprintf("HTTP %d: %s", e.Status, e.Text)
}

// NetworkError indicates that a request never produced an HTTP response.
type NetworkError struct {
	Err error
	URL string
}

func (e *NetworkError) Error() string {
	return fmt.Sprintf("request to %s failed: %v", e.URL, e.Err)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// IsRemoteError reports whether err is or wraps a *RemoteError.
func IsRemoteError(err error) bool {
	var remote *RemoteError
	return errors.As(err, &remote)
}

// IsNetworkError reports whether err is or wraps a *NetworkError.
func IsNetworkError(err error) bool {
	var network *NetworkError
	return errors.As(err, &network)
}

// DecodeErrorText makes remote error bodies readable. JSON string escapes
// such as \u0627 are resolved first, then percent escapes. A step that fails
// leaves the text as it was.
func DecodeErrorText(s string) string {
	out := s
	if strings.Contains(out, `\`) {
		var unquoted string
		if err := json.Unmarshal([]byte(`"`+out+`"`), &unquoted); err == nil {
			out = unquoted
		}
	}
	if strings.Contains(out, "%") {
		if decoded, err := url.PathUnescape(out); err == nil {
			out = decoded
		}
	}
	return out
}
