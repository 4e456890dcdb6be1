package geoip

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLookup_Success(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/json/203.0.113.5", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"country":"BR","region":"SP","city":"Sao Paulo"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	loc, err := c.Lookup(context.Background(), "203.0.113.5")
	require.NoError(t, err)
	assert.Equal(t, "BR", loc.Country)
	assert.Equal(t, "SP", loc.Region)
}

func TestLookup_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	_, err := c.Lookup(context.Background(), "203.0.113.5")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 429")
}

func TestLookup_EmptyIP(t *testing.T) {
	c := NewClient("http://unused")
	_, err := c.Lookup(context.Background(), "")
	require.Error(t, err)
}

func TestLookup_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, WithTimeout(20*time.Millisecond))
	_, err := c.Lookup(context.Background(), "203.0.113.5")
	require.Error(t, err)
}
