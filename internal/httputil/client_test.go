package httputil

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewStandardClient(t *testing.T) {
	assert.Same(t, http.DefaultClient, NewStandardClient(nil).Client)

	c := &http.Client{}
	assert.Same(t, c, NewStandardClient(c).Client)
}

func TestStandardClient_Do(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Method+" "+r.URL.Path)
	}))
	defer srv.Close()

	var client HTTPClient = NewStandardClient(srv.Client())
	req, err := http.NewRequest(http.MethodPost, srv.URL+"/toggle", nil)
	require.NoError(t, err)
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "POST /toggle", string(body))
}

func TestMockHTTPClient(t *testing.T) {
	boom := errors.New("connection refused")
	m := NewMockHTTPClient().
		AddResponse(http.StatusCreated, `{"ok":true}`).
		AddErrorResponse(boom)

	req, _ := http.NewRequest(http.MethodPost, "http://drone/enable", strings.NewReader("a=b"))
	resp, err := m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusCreated, resp.StatusCode)
	body, _ := io.ReadAll(resp.Body)
	assert.Equal(t, `{"ok":true}`, string(body))

	req, _ = http.NewRequest(http.MethodGet, "http://drone/status", nil)
	_, err = m.Do(req)
	assert.ErrorIs(t, err, boom)

	// queue exhausted
	resp, err = m.Do(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	assert.Equal(t, 3, m.RequestCount())
	first, firstBody := m.Request(0)
	require.NotNil(t, first)
	assert.Equal(t, "/enable", first.URL.Path)
	assert.Equal(t, "a=b", firstBody)

	missing, _ := m.Request(5)
	assert.Nil(t, missing)
}
