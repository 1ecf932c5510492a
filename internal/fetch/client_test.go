package fetch

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/shelfmetrics/harvester/internal/catalog"
)

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	inner := &http.Client{}
	httpmock.ActivateNonDefault(inner)
	t.Cleanup(httpmock.DeactivateAndReset)
	return NewClientWithHTTP(inner, nil)
}

func TestClient_GetSuccess(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://shop.example/api/products/1",
		httpmock.NewStringResponder(200, `{"id":"1"}`))

	res, err := c.Get(context.Background(), "https://shop.example/api/products/1", catalog.Session{})
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, `{"id":"1"}`, string(res.Body))
	assert.Zero(t, res.Retries)
}

func TestClient_NotFoundIsHardFailure(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://shop.example/api/products/9",
		httpmock.NewStringResponder(404, "gone"))

	res, err := c.Get(context.Background(), "https://shop.example/api/products/9", catalog.Session{})
	require.Error(t, err)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Equal(t, 404, res.StatusCode)
	assert.Equal(t, 1, httpmock.GetTotalCallCount(), "404 must not be retried")
}

func TestClient_RetriesServerErrors(t *testing.T) {
	c := newMockedClient(t)
	calls := 0
	httpmock.RegisterResponder(http.MethodGet, "https://shop.example/flaky",
		func(_ *http.Request) (*http.Response, error) {
			calls++
			if calls < 3 {
				return httpmock.NewStringResponse(503, "busy"), nil
			}
			return httpmock.NewStringResponse(200, "ok"), nil
		})

	res, err := c.Get(context.Background(), "https://shop.example/flaky", catalog.Session{})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, 2, res.Retries)
}

func TestClient_ExhaustedRetriesIsTransientError(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://shop.example/down",
		httpmock.NewStringResponder(502, "bad gateway"))

	_, err := c.Get(context.Background(), "https://shop.example/down", catalog.Session{})
	require.Error(t, err)
	var transient *catalog.TransientFetchError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, 502, transient.StatusCode)
}

func TestClient_SessionCookieAttached(t *testing.T) {
	c := newMockedClient(t)
	httpmock.RegisterResponder(http.MethodGet, "https://shop.example/p",
		func(req *http.Request) (*http.Response, error) {
			cookie, err := req.Cookie("segment_session")
			require.NoError(t, err)
			assert.Equal(t, "tok", cookie.Value)
			return httpmock.NewStringResponse(200, "ok"), nil
		})

	_, err := c.Get(context.Background(), "https://shop.example/p", catalog.Session{
		CookieName:  "segment_session",
		CookieValue: "tok",
	})
	require.NoError(t, err)
}
