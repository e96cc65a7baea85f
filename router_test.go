package offlinecache

import (
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestClassify(t *testing.T) {
	c, _ := newController(t, staticOrigin())

	tests := []struct {
		name  string
		req   func() *http.Request
		route string
	}{
		{"api path", func() *http.Request {
			return httptest.NewRequest("GET", "/api/data", nil)
		}, "api"},
		{"api path nested write", func() *http.Request {
			return httptest.NewRequest("POST", "/api/users/7", nil)
		}, "api"},
		{"sec-fetch-mode navigate", func() *http.Request {
			r := httptest.NewRequest("GET", "/dashboard", nil)
			r.Header.Set("Sec-Fetch-Mode", "navigate")
			return r
		}, "navigate"},
		{"accept html document", func() *http.Request {
			return navigateReq("/explore")
		}, "navigate"},
		{"accept html but asset extension", func() *http.Request {
			return navigateReq("/css/styles.css")
		}, "asset"},
		{"accept html but asset prefix", func() *http.Request {
			return navigateReq("/assets/logo")
		}, "asset"},
		{"accept html but json", func() *http.Request {
			return navigateReq("/data.json")
		}, "asset"},
		{"accept html but not a GET", func() *http.Request {
			r := httptest.NewRequest("POST", "/submit", nil)
			r.Header.Set("Accept", "text/html")
			return r
		}, "asset"},
		{"plain asset", func() *http.Request {
			return httptest.NewRequest("GET", "/js/app.js", nil)
		}, "asset"},
		{"no accept header", func() *http.Request {
			return httptest.NewRequest("GET", "/manifest.webmanifest", nil)
		}, "asset"},
		{"cross-origin absolute", func() *http.Request {
			return httptest.NewRequest("GET", "https://cdn.example/lib.js", nil)
		}, "bypass"},
		{"cross-origin host header", func() *http.Request {
			r := httptest.NewRequest("GET", "/js/app.js", nil)
			r.Host = "other.test"
			return r
		}, "bypass"},
		{"cross-origin wins over api", func() *http.Request {
			return httptest.NewRequest("GET", "https://cdn.example/api/data", nil)
		}, "bypass"},
		{"same host absolute form", func() *http.Request {
			return httptest.NewRequest("GET", "http://example.com/css/styles.css", nil)
		}, "asset"},
	}
	for _, tt := range tests {
		if got := c.classify(tt.req()).name; got != tt.route {
			t.Errorf("%s: classified as %s, want %s", tt.name, got, tt.route)
		}
	}
}

func TestClassifyExtraAPIPrefixes(t *testing.T) {
	c, _ := newController(t, staticOrigin(), func(cfg *Config) {
		cfg.APIPrefixes = []string{"/graphql"}
	})
	if got := c.classify(httptest.NewRequest("POST", "/graphql", nil)).name; got != "api" {
		t.Fatalf("classified as %s", got)
	}
	// the built-in prefix stays
	if got := c.classify(httptest.NewRequest("GET", "/api/data", nil)).name; got != "api" {
		t.Fatalf("classified as %s", got)
	}
}

func TestClassifyWithoutAppHost(t *testing.T) {
	c, _ := newController(t, staticOrigin(), func(cfg *Config) {
		cfg.AppHost = ""
	})
	// absolute-form request addressed elsewhere than the Host header says
	r := httptest.NewRequest("GET", "http://cdn.example/lib.js", nil)
	r.Host = "myapp.test"
	if got := c.classify(r).name; got != "bypass" {
		t.Fatalf("classified as %s", got)
	}
	// without a configured host, host-relative requests are taken as ours
	if got := c.classify(httptest.NewRequest("GET", "/js/app.js", nil)).name; got != "asset" {
		t.Fatalf("classified as %s", got)
	}
}
