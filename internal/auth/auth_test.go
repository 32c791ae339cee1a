package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"ddpgo/internal/method"
)

type fakeCaller struct {
	lastName   string
	lastParams []interface{}
	held       method.Callback
}

func (f *fakeCaller) Call(name string, params []interface{}, cb method.Callback) string {
	f.lastName = name
	f.lastParams = params
	f.held = cb
	return "m1"
}

func TestLoginWithPasswordDigestsAndSendsCorrectShape(t *testing.T) {
	caller := &fakeCaller{}
	updates := 0
	m := New(caller, nil, zerolog.Nop(), func() { updates++ })

	var loginErr error
	m.LoginWithPassword("bob", false, "secret", func(err error) { loginErr = err })

	require.Equal(t, "login", caller.lastName)
	require.Equal(t, LoggingIn, m.State())

	body := caller.lastParams[0].(map[string]interface{})
	userSel := body["user"].(map[string]interface{})
	require.Equal(t, "bob", userSel["username"])

	pw := body["password"].(map[string]interface{})
	sum := sha256.Sum256([]byte("secret"))
	require.Equal(t, hex.EncodeToString(sum[:]), pw["digest"])
	require.Equal(t, "sha-256", pw["algorithm"])

	caller.held(method.Outcome{Kind: method.Success, Result: json.RawMessage(`{"id":"u1","token":"tok123"}`)})

	require.NoError(t, loginErr)
	require.Equal(t, LoggedIn, m.State())
	require.Equal(t, "u1", m.UserID())
	require.Equal(t, "tok123", m.Token())
	require.Equal(t, 2, updates) // LoggingIn, then LoggedIn
}

func TestSecondInFlightLogonIsRejected(t *testing.T) {
	caller := &fakeCaller{}
	m := New(caller, nil, zerolog.Nop(), nil)

	m.LoginWithPassword("bob", false, "secret", nil)

	var rejectedErr error
	m.LoginWithResume("sometoken", func(err error) { rejectedErr = err })

	require.ErrorIs(t, rejectedErr, ErrLogonRejected)
}

func TestServerErrorTransitionsToLoggedOut(t *testing.T) {
	caller := &fakeCaller{}
	m := New(caller, nil, zerolog.Nop(), nil)

	var got error
	m.LoginWithPassword("bob", false, "secret", func(err error) { got = err })
	caller.held(method.Outcome{Kind: method.ServerError, Domain: "Meteor.Error", Message: "bad password"})

	require.Error(t, got)
	require.Equal(t, LoggedOut, m.State())
}

func TestLogoutIsFireAndForgetAndClearsIdentity(t *testing.T) {
	caller := &fakeCaller{}
	m := New(caller, nil, zerolog.Nop(), nil)

	m.LoginWithPassword("bob", false, "secret", nil)
	caller.held(method.Outcome{Kind: method.Success, Result: json.RawMessage(`{"id":"u1","token":"tok"}`)})
	require.Equal(t, LoggedIn, m.State())

	m.Logout()

	require.Equal(t, "logout", caller.lastName)
	require.Equal(t, LoggedOut, m.State())
	require.Equal(t, "", m.UserID())
	require.Equal(t, "", m.Token())
}

func TestOAuthFlowParsesConfigAndLogsIn(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/_oauth/github/", r.URL.Path)
		require.Equal(t, "provider-code", r.URL.Query().Get("code"))
		w.Write([]byte(`<html><body><div id="config" style="display:none;">{"setCredentialToken":true,"credentialSecret":"shh"}</div></body></html>`))
	}))
	defer srv.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1) + "/websocket"

	caller := &fakeCaller{}
	m := New(caller, srv.Client(), zerolog.Nop(), nil)

	var got error
	m.LoginWithOAuth(context.Background(), wsURL, "github", "provider-code", func(err error) { got = err })

	require.Equal(t, "login", caller.lastName)
	body := caller.lastParams[0].(map[string]interface{})
	oauth := body["oauth"].(map[string]interface{})
	require.Equal(t, "shh", oauth["credentialSecret"])
	require.NotEmpty(t, oauth["credentialToken"])

	caller.held(method.Outcome{Kind: method.Success, Result: json.RawMessage(`{"id":"u2","token":"tok2"}`)})
	require.NoError(t, got)
	require.Equal(t, LoggedIn, m.State())
}

func TestOAuthConfigMissingSetCredentialTokenFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`<div id="config" style="display:none;">{"setCredentialToken":false}</div>`))
	}))
	defer srv.Close()

	wsURL := strings.Replace(srv.URL, "http://", "ws://", 1) + "/websocket"
	caller := &fakeCaller{}
	m := New(caller, srv.Client(), zerolog.Nop(), nil)

	var got error
	m.LoginWithOAuth(context.Background(), wsURL, "github", "provider-code", func(err error) { got = err })

	require.Error(t, got)
	require.Equal(t, LoggedOut, m.State())
	require.NotEqual(t, "login", caller.lastName)
}
