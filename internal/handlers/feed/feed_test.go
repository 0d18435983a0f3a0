package feed

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"marketflow/internal/domain"
)

func payload(t *testing.T, url string) []byte {
	t.Helper()
	return []byte(`{"listing_id":"lst_1","url":"` + url + `"}`)
}

func TestRefreshSuccessIngestsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<rss/>`))
	}))
	defer srv.Close()

	var gotListing string
	var gotBody []byte
	h := Refresh{Ingest: func(ctx context.Context, listingID string, body []byte) error {
		gotListing = listingID
		gotBody = body
		return nil
	}}

	res := h.Execute(context.Background(), payload(t, srv.URL))
	require.Equal(t, domain.ResultOK, res.Kind())
	assert.Equal(t, "lst_1", gotListing)
	assert.Equal(t, []byte(`<rss/>`), gotBody)
}

func TestRefreshClassifiesHTTPStatus(t *testing.T) {
	cases := []struct {
		status int
		want   domain.ResultKind
	}{
		{status: http.StatusOK, want: domain.ResultOK},
		{status: http.StatusNotFound, want: domain.ResultTerminal},
		{status: http.StatusGone, want: domain.ResultTerminal},
		{status: http.StatusInternalServerError, want: domain.ResultRetry},
		{status: http.StatusBadGateway, want: domain.ResultRetry},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(tc.status)
		}))
		res := Refresh{}.Execute(context.Background(), payload(t, srv.URL))
		assert.Equal(t, tc.want, res.Kind(), "status %d", tc.status)
		srv.Close()
	}
}

func TestRefreshNetworkErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close() // connection refused from here on

	res := Refresh{}.Execute(context.Background(), payload(t, srv.URL))
	assert.Equal(t, domain.ResultRetry, res.Kind())
}

func TestRefreshBadPayloadIsTerminal(t *testing.T) {
	res := Refresh{}.Execute(context.Background(), []byte(`{not json`))
	assert.Equal(t, domain.ResultTerminal, res.Kind())

	res = Refresh{}.Execute(context.Background(), []byte(`{"listing_id":"lst_1"}`))
	assert.Equal(t, domain.ResultTerminal, res.Kind(), "missing url never succeeds on retry")
}

func TestRefreshIngestErrorRetries(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<rss/>`))
	}))
	defer srv.Close()

	h := Refresh{Ingest: func(ctx context.Context, listingID string, body []byte) error {
		return errors.New("db unavailable")
	}}
	res := h.Execute(context.Background(), payload(t, srv.URL))
	assert.Equal(t, domain.ResultRetry, res.Kind())
}
