package http

import (
	"context"
	"io"
	"net"
	"net/http"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type routes struct{}

func (routes) RegisterRoutes(e *echo.Echo) {
	e.GET("/ok", func(c echo.Context) error { return c.String(http.StatusOK, "fine\n") })
	e.GET("/panic", func(echo.Context) error { panic("boom") })
}

type observation struct {
	route  string
	method string
	status int
}

type fakeRecorder struct {
	mu  sync.Mutex
	obs []observation
}

func (f *fakeRecorder) RecordHTTPRequest(route, method string, status int, _ time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.obs = append(f.obs, observation{route, method, status})
}

func (f *fakeRecorder) all() []observation {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]observation(nil), f.obs...)
}

func startServer(t *testing.T, h Handler, opts ...ServerOption) *Server {
	t.Helper()
	base := []ServerOption{WithHost("127.0.0.1"), WithPort(0), WithCORS(true)}
	s := NewServer(nil, h, append(base, opts...)...)
	require.NoError(t, s.Start())
	t.Cleanup(func() { _ = s.Stop(context.Background()) })
	return s
}

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	res, err := http.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestServerRoutesAndErrors(t *testing.T) {
	rec := &fakeRecorder{}
	s := startServer(t, routes{}, WithMetrics(rec, 0))
	base := "http://" + s.Addr()

	res, body := get(t, base+"/ok")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "fine\n", body)

	res, body = get(t, base+"/nope")
	assert.Equal(t, http.StatusNotFound, res.StatusCode)
	assert.Equal(t, "not found\n", body)

	res, body = get(t, base+"/panic")
	assert.Equal(t, http.StatusInternalServerError, res.StatusCode)
	assert.Equal(t, "internal server error\n", body)

	assert.Equal(t, []observation{
		{"/ok", http.MethodGet, http.StatusOK},
		{"unmatched", http.MethodGet, http.StatusNotFound},
		{"/panic", http.MethodGet, http.StatusInternalServerError},
	}, rec.all())
}

func TestServerCORS(t *testing.T) {
	s := startServer(t, routes{})

	req, err := http.NewRequest(http.MethodGet, "http://"+s.Addr()+"/ok", nil)
	require.NoError(t, err)
	req.Header.Set("Origin", "https://example.org")
	res, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	res.Body.Close()

	assert.Equal(t, "https://example.org", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Contains(t, res.Header.Get("Access-Control-Expose-Headers"), "ETag")
}

func TestMetricsHandler(t *testing.T) {
	h := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, "# metrics\n")
	})
	s := startServer(t, NewMetricsHandler(h))

	res, body := get(t, "http://"+s.Addr()+"/metrics")
	assert.Equal(t, http.StatusOK, res.StatusCode)
	assert.Equal(t, "# metrics\n", body)
}

func TestStartReportsBindFailure(t *testing.T) {
	first := startServer(t, routes{})
	_, port, err := splitPort(first.Addr())
	require.NoError(t, err)

	second := NewServer(nil, routes{}, WithHost("127.0.0.1"), WithPort(port))
	assert.Error(t, second.Start())
}

func TestStopIsIdempotent(t *testing.T) {
	s := startServer(t, routes{})
	require.NoError(t, s.Stop(context.Background()))
	require.NoError(t, s.Stop(context.Background()))

	_, err := http.Get("http://" + s.Addr() + "/ok")
	assert.Error(t, err)

	idle := NewServer(nil, routes{})
	assert.NoError(t, idle.Stop(context.Background()))
	assert.Empty(t, idle.Addr())
}

func TestStartAfterStopDoesNotServe(t *testing.T) {
	s := NewServer(nil, routes{}, WithHost("127.0.0.1"), WithPort(0))
	require.NoError(t, s.Stop(context.Background()))

	assert.ErrorIs(t, s.Start(), ErrServerStopped)
	assert.Empty(t, s.Addr())
}

func splitPort(addr string) (string, int, error) {
	host, p, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.Atoi(p)
	return host, port, err
}
