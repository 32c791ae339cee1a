// Package auth implements the DDP Auth Layer: the login/resume/signup
// state machine, password digesting, and the OAuth popup-config
// scraping flow. See spec.md §4.9.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	neturl "net/url"
	"regexp"
	"strings"

	"github.com/rs/zerolog"

	"ddpgo/internal/method"
)

// State is one of the four auth states (spec.md §3).
type State int

const (
	NoAuth State = iota
	LoggingIn
	LoggedIn
	LoggedOut
)

func (s State) String() string {
	switch s {
	case NoAuth:
		return "no-auth"
	case LoggingIn:
		return "logging-in"
	case LoggedIn:
		return "logged-in"
	case LoggedOut:
		return "logged-out"
	default:
		return "unknown"
	}
}

// ErrLogonRejected is returned synchronously when a logon or signup is
// already in flight (spec.md §4.9).
var ErrLogonRejected = errors.New("auth: a logon or signup is already in progress")

// Caller is the subset of the Method Manager the auth layer needs.
type Caller interface {
	Call(name string, params []interface{}, cb method.Callback) string
}

var configDivPattern = regexp.MustCompile(`(?s)<div id="config" style="display:none;">(.*?)</div>`)

// Manager drives login/resume/signup/OAuth and tracks the resulting
// session identity. Not safe for concurrent use; driven from the
// single event loop.
type Manager struct {
	caller     Caller
	httpClient *http.Client
	logger     zerolog.Logger
	onUpdate   func()

	state   State
	pending bool
	userID  string
	token   string
}

// New constructs a Manager in NoAuth. onUpdate is invoked after every
// state transition (spec.md's session-update notification).
func New(caller Caller, httpClient *http.Client, logger zerolog.Logger, onUpdate func()) *Manager {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Manager{caller: caller, httpClient: httpClient, logger: logger, onUpdate: onUpdate}
}

// State reports the current auth state.
func (m *Manager) State() State { return m.state }

// UserID reports the logged-in user's id, or "" if none.
func (m *Manager) UserID() string { return m.userID }

// Token reports the held resume token, or "" if none.
func (m *Manager) Token() string { return m.token }

// LoginWithPassword logs on with a username or email plus cleartext
// password, digested per §6 before it ever leaves this process.
func (m *Manager) LoginWithPassword(identifier string, byEmail bool, password string, cb func(error)) {
	if m.beginLogon(cb) {
		return
	}

	userSelector := map[string]interface{}{"username": identifier}
	if byEmail {
		userSelector = map[string]interface{}{"email": identifier}
	}

	params := []interface{}{map[string]interface{}{
		"user":     userSelector,
		"password": passwordDigest(password),
	}}
	m.caller.Call("login", params, m.resultHandler(cb))
}

// LoginWithResume logs on using a previously issued resume token.
func (m *Manager) LoginWithResume(token string, cb func(error)) {
	if m.beginLogon(cb) {
		return
	}
	params := []interface{}{map[string]interface{}{"resume": token}}
	m.caller.Call("login", params, m.resultHandler(cb))
}

// SignUp creates a new account via the `createUser` method.
func (m *Manager) SignUp(username, email, password string, profile map[string]interface{}, cb func(error)) {
	if m.beginLogon(cb) {
		return
	}
	params := []interface{}{map[string]interface{}{
		"username": username,
		"email":    email,
		"password": passwordDigest(password),
		"profile":  profile,
	}}
	m.caller.Call("createUser", params, m.resultHandler(cb))
}

// LoginWithOAuth drives the HTML-scraping OAuth flow: fetch
// <http-base>/_oauth/<service>/?<tokenType>=<providerToken>&state=...,
// extract the hidden config div, verify setCredentialToken, then call
// login with the resulting credential pair (spec.md §4.9).
//
// optionsKey is fixed to "oauth", the conventional Meteor accounts
// package key for third-party credential pairs; spec.md leaves it a
// placeholder without naming per-service variants.
func (m *Manager) LoginWithOAuth(ctx context.Context, wsURL, service, providerToken string, cb func(error)) {
	if m.beginLogon(cb) {
		return
	}

	credentialToken := randomToken()
	tokenType := "code"
	if service == "facebook" {
		tokenType = "accessToken"
	}

	httpBase, err := wsURLToHTTPBase(wsURL)
	if err != nil {
		m.failLogon(cb, fmt.Errorf("auth: deriving oauth base url: %w", err))
		return
	}

	stateJSON, err := json.Marshal(map[string]interface{}{
		"credentialToken": credentialToken,
		"loginStyle":      "popup",
	})
	if err != nil {
		m.failLogon(cb, fmt.Errorf("auth: encoding oauth state: %w", err))
		return
	}
	stateParam := base64.StdEncoding.EncodeToString(stateJSON)

	fetchURL := fmt.Sprintf("%s/_oauth/%s/?%s=%s&state=%s",
		httpBase, service, tokenType, neturl.QueryEscape(providerToken), neturl.QueryEscape(stateParam))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fetchURL, nil)
	if err != nil {
		m.failLogon(cb, fmt.Errorf("auth: building oauth request: %w", err))
		return
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		m.failLogon(cb, fmt.Errorf("auth: fetching oauth page: %w", err))
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		m.failLogon(cb, fmt.Errorf("auth: reading oauth page: %w", err))
		return
	}

	match := configDivPattern.FindSubmatch(body)
	if match == nil {
		m.failLogon(cb, errors.New("auth: oauth config div not found in response"))
		return
	}

	var cfg map[string]interface{}
	if err := json.Unmarshal(match[1], &cfg); err != nil {
		m.failLogon(cb, fmt.Errorf("auth: decoding oauth config: %w", err))
		return
	}
	if set, _ := cfg["setCredentialToken"].(bool); !set {
		m.failLogon(cb, errors.New("auth: oauth config did not set credential token"))
		return
	}
	credentialSecret, _ := cfg["credentialSecret"].(string)

	params := []interface{}{map[string]interface{}{
		"oauth": map[string]interface{}{
			"credentialToken":  credentialToken,
			"credentialSecret": credentialSecret,
		},
	}}
	m.caller.Call("login", params, m.resultHandler(cb))
}

// Logout is fire-and-forget: the local state transitions to
// LoggedOut immediately, regardless of the server's response.
func (m *Manager) Logout() {
	m.caller.Call("logout", nil, func(method.Outcome) {})
	m.userID = ""
	m.token = ""
	m.setState(LoggedOut)
}

// beginLogon rejects a second concurrent logon/signup and otherwise
// transitions to LoggingIn. Returns true if the caller must stop.
func (m *Manager) beginLogon(cb func(error)) bool {
	if m.pending {
		if cb != nil {
			cb(ErrLogonRejected)
		}
		return true
	}
	m.pending = true
	m.setState(LoggingIn)
	return false
}

func (m *Manager) failLogon(cb func(error), err error) {
	m.pending = false
	m.setState(LoggedOut)
	if cb != nil {
		cb(err)
	}
}

func (m *Manager) resultHandler(cb func(error)) method.Callback {
	return func(o method.Outcome) {
		m.pending = false

		switch o.Kind {
		case method.Success:
			var res struct {
				ID    string `json:"id"`
				Token string `json:"token"`
			}
			if err := json.Unmarshal(o.Result, &res); err != nil {
				m.setState(LoggedOut)
				if cb != nil {
					cb(fmt.Errorf("auth: decoding login result: %w", err))
				}
				return
			}
			m.userID = res.ID
			m.token = res.Token
			m.setState(LoggedIn)
			if cb != nil {
				cb(nil)
			}
		case method.ServerError:
			m.setState(LoggedOut)
			if cb != nil {
				cb(fmt.Errorf("auth: %s: %s", o.Domain, o.Message))
			}
		default: // NotConnected, Disconnected
			m.setState(LoggedOut)
			if cb != nil {
				cb(fmt.Errorf("auth: %s", o.Message))
			}
		}
	}
}

func (m *Manager) setState(s State) {
	m.state = s
	if m.onUpdate != nil {
		m.onUpdate()
	}
}

func passwordDigest(password string) map[string]interface{} {
	sum := sha256.Sum256([]byte(password))
	return map[string]interface{}{
		"digest":    hex.EncodeToString(sum[:]),
		"algorithm": "sha-256",
	}
}

func randomToken() string {
	b := make([]byte, 16)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}

// wsURLToHTTPBase rewrites ws[s]://host/websocket to http[s]://host,
// per spec.md §6.
func wsURLToHTTPBase(wsURL string) (string, error) {
	u, err := neturl.Parse(wsURL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "ws":
		u.Scheme = "http"
	case "wss":
		u.Scheme = "https"
	}
	u.Path = strings.TrimSuffix(u.Path, "/websocket")
	u.RawQuery = ""
	u.Fragment = ""
	return u.String(), nil
}
