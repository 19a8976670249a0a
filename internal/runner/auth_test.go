package runner

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAuthServer(t *testing.T, h http.HandlerFunc) *AuthClient {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewAuthClient(srv.URL+"/", nil)
}

func TestAuthClient_StartSignIn(t *testing.T) {
	var got map[string]string
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/auth/device/code", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		_, _ = w.Write([]byte(`{"deviceCode":"dc","userCode":"ABCD-1234","verificationUri":"https://orbit/device","intervalSeconds":5,"expiresInSeconds":600}`))
	})

	code, err := c.StartSignIn(context.Background(), "laptop")
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"runnerName": "laptop"}, got)
	assert.Equal(t, "dc", code.DeviceCode)
	assert.Equal(t, "ABCD-1234", code.UserCode)
	assert.Equal(t, 5, code.IntervalSeconds)
}

func TestAuthClient_PollSignIn(t *testing.T) {
	status := `{"status":"pending","intervalSeconds":5}`
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/device/token", r.URL.Path)
		_, _ = w.Write([]byte(status))
	})

	poll, err := c.PollSignIn(context.Background(), "dc")
	require.NoError(t, err)
	assert.Equal(t, SignInPending, poll.Status)
	assert.Nil(t, poll.Token)

	status = `{"status":"authorized","token":"tok"}`
	poll, err = c.PollSignIn(context.Background(), "dc")
	require.NoError(t, err)
	assert.Equal(t, SignInAuthorized, poll.Status)
	require.NotNil(t, poll.Token)
	assert.Equal(t, "tok", *poll.Token)

	status = `{"status":"authorized"}`
	_, err = c.PollSignIn(context.Background(), "dc")
	assert.Error(t, err)
}

func TestAuthClient_ErrorMessages(t *testing.T) {
	c := newAuthServer(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"expired_token","error_description":"The device code has expired."}`))
	})

	_, err := c.PollSignIn(context.Background(), "dc")
	assert.EqualError(t, err, "orbit auth: The device code has expired.")
}

func TestAuthClient_SignOutSendsBearer(t *testing.T) {
	var auth string
	c := newAuthServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/auth/logout", r.URL.Path)
		auth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusNoContent)
	})

	require.NoError(t, c.SignOut(context.Background(), "tok"))
	assert.Equal(t, "Bearer tok", auth)
}
