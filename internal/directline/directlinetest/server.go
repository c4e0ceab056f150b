// ABOUTME: httptest wrapper around the fake service for package tests
// ABOUTME: Builds directline clients pointed at the fake with a matching clock

package directlinetest

import (
	"net/http/httptest"
	"testing"

	"github.com/2389/coven-directline/internal/directline"
)

// Server runs a Service on a local httptest listener.
type Server struct {
	*httptest.Server
	*Service
}

// NewServer starts a fake service that is shut down when the test ends.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()
	svc := NewService(opts)
	ts := httptest.NewServer(svc)
	t.Cleanup(ts.Close)
	return &Server{Server: ts, Service: svc}
}

// NewClient returns a client for the fake that shares its clock. Extra
// options are applied after the defaults.
func (s *Server) NewClient(t testing.TB, opts ...directline.Option) *directline.Client {
	t.Helper()
	base := []directline.Option{
		directline.WithEndpoint(s.URL),
		directline.WithHTTPClient(s.Server.Client()),
		directline.WithClock(s.Service.Now),
	}
	c, err := directline.New(s.Secret(), append(base, opts...)...)
	if err != nil {
		t.Fatalf("directline.New() error = %v", err)
	}
	return c
}
