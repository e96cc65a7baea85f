package offlinecache

import (
	"context"
	"crypto/tls"
	"net/http"
	"net/url"

	"github.com/rs/zerolog"
)

// originFetcher performs the gateway's network fetches against the origin
// server. Redirects are followed, so strategy success checks always apply
// to the final response. There is no timeout here: a fetch either resolves
// or rejects, and the caller's context governs cancellation.
type originFetcher struct {
	scheme     string
	host       string
	hostHeader string
	client     *http.Client
	log        zerolog.Logger
}

func newOriginFetcher(originURL url.URL, originHost string, log zerolog.Logger) *originFetcher {
	host := originURL.Host
	hostHeader := host
	transport := http.DefaultTransport
	if originHost != "" {
		hostHeader = originHost
		transport = &http.Transport{
			TLSClientConfig: &tls.Config{
				ServerName: originHost,
			},
		}
	}
	return &originFetcher{
		scheme:     originURL.Scheme,
		host:       host,
		hostHeader: hostHeader,
		client:     &http.Client{Transport: transport},
		log:        log.With().Str("component", "fetch").Logger(),
	}
}

// do forwards a copy of the client request to the origin.
func (f *originFetcher) do(r *http.Request) (*http.Response, error) {
	req := r.Clone(r.Context())
	req.URL.Scheme = f.scheme
	req.URL.Host = f.host
	req.Host = f.hostHeader
	req.RequestURI = ""
	// remove default headers sent by an upstream proxy, some servers do
	// not like seeing these in the forwarded request
	req.Header.Del("X-Forwarded-For")
	req.Header.Del("X-Forwarded-Proto")
	req.Header.Del("X-Forwarded-Host")
	f.log.Trace().Str("url", req.URL.String()).Msg("Fetching from origin")
	return f.client.Do(req)
}

// fetchPath GETs a root-relative path from the origin. With fresh set, the
// request carries Cache-Control: no-cache so installs never precache an
// intermediary's stale copy.
func (f *originFetcher) fetchPath(ctx context.Context, path string, fresh bool) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.scheme+"://"+f.host+path, nil)
	if err != nil {
		return nil, err
	}
	req.Host = f.hostHeader
	if fresh {
		req.Header.Set("Cache-Control", "no-cache")
	}
	f.log.Trace().Str("url", req.URL.String()).Msg("Fetching from origin")
	return f.client.Do(req)
}
