package cachekey

import (
	"net/http"
	"testing"
)

func TestIdentityIncludesMethodAndQuery(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://dev.localhost/css/styles.css?v=2", nil)
	if key := Identity(r); key != "GET:/css/styles.css?v=2" {
		t.Fatalf("Identity is %s", key)
	}
}

func TestIdentityDistinguishesMethods(t *testing.T) {
	get, _ := http.NewRequest("GET", "http://dev.localhost/api/data", nil)
	post, _ := http.NewRequest("POST", "http://dev.localhost/api/data", nil)
	if Identity(get) == Identity(post) {
		t.Fatalf("GET and POST share identity %s", Identity(get))
	}
}

func TestFromPathMatchesRequestIdentity(t *testing.T) {
	r, _ := http.NewRequest("GET", "http://dev.localhost/index.html", nil)
	if FromPath("/index.html") != Identity(r) {
		t.Fatalf("FromPath is %s, request identity is %s", FromPath("/index.html"), Identity(r))
	}
}

func TestFromPathAddsLeadingSlash(t *testing.T) {
	if key := FromPath("offline.html"); key != "GET:/offline.html" {
		t.Fatalf("FromPath is %s", key)
	}
}
