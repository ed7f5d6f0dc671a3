package fetcher

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ridemap/internal/errs"
	"ridemap/internal/provider"
	"ridemap/internal/tilekey"
)

func providerFor(srv *httptest.Server) *provider.Config {
	u, _ := url.Parse(srv.URL)
	return &provider.Config{
		ID:          "test",
		Server:      u.Host,
		Extension:   ".png",
		CacheFolder: "test",
		UserAgent:   "ridemap-test/1.0",
	}
}

func TestFetchOK(t *testing.T) {
	var gotUA string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotUA = r.Header.Get("User-Agent")
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("tile-bytes"))
	}))
	defer srv.Close()

	// httptest serves http://, but Key.URL always prepends https:// — use a
	// raw client-level override by pointing the fetcher's transport at the
	// test server via the Host field and a custom RoundTripper instead.
	f := New(4, time.Second)
	f.client.Transport = rewriteToHTTP{srv.URL}

	key := tilekey.Key{ProviderID: "test", Z: 1, X: 0, Y: 0}
	data, err := f.Fetch(context.Background(), key, providerFor(srv))
	require.NoError(t, err)
	assert.Equal(t, "tile-bytes", string(data))
	assert.Equal(t, "ridemap-test/1.0", gotUA)
}

func TestFetchNon200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	f := New(4, time.Second)
	f.client.Transport = rewriteToHTTP{srv.URL}

	key := tilekey.Key{ProviderID: "test", Z: 1, X: 0, Y: 0}
	_, err := f.Fetch(context.Background(), key, providerFor(srv))
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.HttpStatus, e.Kind)
	assert.Equal(t, 500, e.StatusCode)
}

func TestFetchTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(50 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(4, 5*time.Millisecond)
	f.client.Transport = rewriteToHTTP{srv.URL}

	key := tilekey.Key{ProviderID: "test", Z: 1, X: 0, Y: 0}
	_, err := f.Fetch(context.Background(), key, providerFor(srv))
	require.Error(t, err)
	var e *errs.Error
	require.ErrorAs(t, err, &e)
	assert.Equal(t, errs.Timeout, e.Kind)
}

func TestFetchSemaphoreBoundsConcurrency(t *testing.T) {
	var active, maxActive int
	var mu = make(chan struct{}, 1)
	mu <- struct{}{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-mu
		active++
		if active > maxActive {
			maxActive = active
		}
		mu <- struct{}{}

		time.Sleep(20 * time.Millisecond)

		<-mu
		active--
		mu <- struct{}{}

		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	f := New(2, time.Second)
	f.client.Transport = rewriteToHTTP{srv.URL}
	cfg := providerFor(srv)

	done := make(chan struct{})
	for i := 0; i < 6; i++ {
		i := i
		go func() {
			key := tilekey.Key{ProviderID: "test", Z: 1, X: i, Y: 0}
			f.Fetch(context.Background(), key, cfg)
			done <- struct{}{}
		}()
	}
	for i := 0; i < 6; i++ {
		<-done
	}

	assert.LessOrEqual(t, maxActive, 2)
}

// rewriteToHTTP is a RoundTripper that redirects any https:// request to
// the given httptest server, since Key.URL always builds an https:// URL
// but httptest only serves http://.
type rewriteToHTTP struct {
	target string
}

func (r rewriteToHTTP) RoundTrip(req *http.Request) (*http.Response, error) {
	u, err := url.Parse(r.target)
	if err != nil {
		return nil, err
	}
	req.URL.Scheme = u.Scheme
	req.URL.Host = u.Host
	return http.DefaultTransport.RoundTrip(req)
}
