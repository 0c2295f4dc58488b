package news

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchNumbersHeadlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/everything", r.URL.Path)
		assert.Equal(t, "key", r.Header.Get("X-Api-Key"))
		assert.Equal(t, "2", r.URL.Query().Get("pageSize"))
		assert.Equal(t, "aave OR staking", r.URL.Query().Get("q"))
		_, _ = w.Write([]byte(`{"status":"ok","articles":[
			{"title":"Aave v4 launches","source":{"name":"CoinDesk"}},
			{"title":" Staking yields dip ","source":{"name":"The Block"}},
			{"title":"ignored","source":{"name":"X"}}]}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, APIKey: "key", Keywords: []string{"aave", " staking "}, PageSize: 2})
	p.httpClient = srv.Client()

	out, err := p.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "1. Aave v4 launches (CoinDesk)\n2. Staking yields dip (The Block)", out)
}

func TestFetchAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"status":"error","message":"apiKeyInvalid"}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL})
	p.httpClient = srv.Client()
	_, err := p.Fetch(context.Background(), "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "apiKeyInvalid")
}

func TestFetchNoArticles(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"status":"ok","articles":[]}`))
	}))
	defer srv.Close()

	p := New(Config{BaseURL: srv.URL, PageSize: 50})
	p.httpClient = srv.Client()
	assert.Equal(t, maxPageSize, p.pageSize)

	out, err := p.Fetch(context.Background(), "")
	require.NoError(t, err)
	assert.Equal(t, "No articles found.", out)
}
