package cachekey

import (
	"net/http"
	"strings"
)

const methodSeparator = ":"

// Identity returns the cache identity for a request.
// Identity is the request method plus the effective URL (path and query),
// e.g. `GET:/css/styles.css?v=2`. Partitions scope identities per version,
// so no origin or version component is part of the identity itself.
func Identity(r *http.Request) string {
	return r.Method + methodSeparator + r.URL.RequestURI()
}

// FromPath returns the identity a GET request for the given root-relative
// path would have. Precache manifest entries are stored under these
// identities so runtime lookups and install-time stores agree.
func FromPath(path string) string {
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return http.MethodGet + methodSeparator + path
}
