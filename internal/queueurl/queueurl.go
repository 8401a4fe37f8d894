// Package queueurl derives storage keys from queue URLs.
//
// Callers address queues by an opaque, path-like URL (mirroring cloud queue
// APIs, e.g. "https://queue.example.com/123456/orders"). Storage backends
// address queues by a bare name used as a directory component. The last path
// segment of the URL is that name.
package queueurl

import (
	"fmt"
	"net/url"
	"strings"
)

// Name extracts the queue name from queueURL: the last segment of the URL
// path. A bare name with no scheme or slashes resolves to itself.
//
// The result is used as a filesystem directory name, so anything that could
// escape the storage root is rejected.
func Name(queueURL string) (string, error) {
	if queueURL == "" {
		return "", fmt.Errorf("queueurl: empty queue URL")
	}

	u, err := url.Parse(queueURL)
	if err != nil {
		return "", fmt.Errorf("queueurl: parse %q: %w", queueURL, err)
	}

	p := u.Path
	if p == "" {
		// "orders" parses as an opaque path-less URL; fall back to the input.
		p = queueURL
	}

	segments := strings.Split(p, "/")
	name := segments[len(segments)-1]

	if err := validate(name); err != nil {
		return "", fmt.Errorf("queueurl: %q: %w", queueURL, err)
	}
	return name, nil
}

// validate rejects names that are empty or could traverse the filesystem.
func validate(name string) error {
	switch name {
	case "":
		return fmt.Errorf("queue name is empty")
	case ".", "..":
		return fmt.Errorf("queue name %q is reserved", name)
	}
	if strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("queue name %q contains a path separator", name)
	}
	return nil
}
