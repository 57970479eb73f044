package upload

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/url"
	"testing"

	"github.com/jarcoal/httpmock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/srg/mdslink/pkg/mds"
)

const chunkEndpoint = "https://chunks.memfault.com/api/v0/chunks/DEMO"

func testAuth(t *testing.T) *mds.DeviceAuth {
	t.Helper()
	u, err := url.Parse(chunkEndpoint)
	require.NoError(t, err)
	return &mds.DeviceAuth{URL: u, Key: "Memfault-Project-Key", Value: "secret:with:colons"}
}

func newMockedClient(t *testing.T) *Client {
	t.Helper()
	httpClient := &http.Client{}
	httpmock.ActivateNonDefault(httpClient)
	t.Cleanup(httpmock.DeactivateAndReset)

	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return NewClient(httpClient, logger)
}

func TestUploadPostsPayloadWithAuthHeader(t *testing.T) {
	// GOAL: Verify the upload request shape: POST to the device's URL, octet
	// stream body holding the raw payload, and the dynamic auth header.

	client := newMockedClient(t)

	var gotBody []byte
	var gotHeader http.Header
	httpmock.RegisterResponder(http.MethodPost, chunkEndpoint,
		func(req *http.Request) (*http.Response, error) {
			var err error
			gotBody, err = io.ReadAll(req.Body)
			require.NoError(t, err)
			gotHeader = req.Header
			return httpmock.NewStringResponse(http.StatusAccepted, ""), nil
		})

	err := client.Upload(context.Background(), testAuth(t), []byte{0xDE, 0xAD, 0xBE, 0xEF})
	require.NoError(t, err)

	assert.Equal(t, []byte{0xDE, 0xAD, 0xBE, 0xEF}, gotBody, "the body MUST be the raw payload bytes")
	assert.Equal(t, "application/octet-stream", gotHeader.Get("Content-Type"))
	assert.Equal(t, "secret:with:colons", gotHeader.Get("Memfault-Project-Key"),
		"the device-provided header MUST authorize the upload")
}

func TestUploadAccepts2xx(t *testing.T) {
	client := newMockedClient(t)

	for _, status := range []int{http.StatusOK, http.StatusAccepted, http.StatusNoContent} {
		httpmock.RegisterResponder(http.MethodPost, chunkEndpoint,
			httpmock.NewStringResponder(status, ""))

		assert.NoError(t, client.Upload(context.Background(), testAuth(t), []byte{0x01}),
			"status %d MUST be treated as success", status)
	}
}

func TestUploadRejectsNon2xx(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, chunkEndpoint,
		httpmock.NewStringResponder(http.StatusServiceUnavailable, "try later"))

	err := client.Upload(context.Background(), testAuth(t), []byte{0x01})
	require.Error(t, err)

	var statusErr *StatusError
	require.True(t, errors.As(err, &statusErr), "a non-2xx response MUST yield a StatusError")
	assert.Equal(t, http.StatusServiceUnavailable, statusErr.StatusCode)
}

func TestUploadTransportFailure(t *testing.T) {
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, chunkEndpoint,
		httpmock.NewErrorResponder(errors.New("connection refused")))

	err := client.Upload(context.Background(), testAuth(t), []byte{0x01})
	require.Error(t, err)

	var statusErr *StatusError
	assert.False(t, errors.As(err, &statusErr), "a transport failure is not a status rejection")
}

func TestUploadEmptyPayload(t *testing.T) {
	// An empty-payload chunk still uploads; the endpoint decides what an
	// empty chunk means.
	client := newMockedClient(t)

	httpmock.RegisterResponder(http.MethodPost, chunkEndpoint,
		httpmock.NewStringResponder(http.StatusAccepted, ""))

	assert.NoError(t, client.Upload(context.Background(), testAuth(t), nil))
}
