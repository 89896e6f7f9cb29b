package refwarden

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testAdminPassword = "correct-horse-battery"

// apiClient drives the gin engine directly, carrying session cookies
// between requests.
type apiClient struct {
	t       testing.TB
	rw      *RefWarden
	cookies []*http.Cookie
}

func newAPIClient(t testing.TB, rw *RefWarden) *apiClient {
	t.Helper()
	return &apiClient{t: t, rw: rw}
}

func (c *apiClient) do(method string, path string, body any) *httptest.ResponseRecorder {
	c.t.Helper()
	var payload *bytes.Buffer
	if body == nil {
		payload = bytes.NewBuffer(nil)
	} else {
		data, err := json.Marshal(body)
		require.NoError(c.t, err)
		payload = bytes.NewBuffer(data)
	}
	req := httptest.NewRequest(method, path, payload)
	req.Header.Set("Content-Type", "application/json")
	for _, cookie := range c.cookies {
		req.AddCookie(cookie)
	}
	w := httptest.NewRecorder()
	c.rw.api.engine.ServeHTTP(w, req)
	if cookies := w.Result().Cookies(); len(cookies) > 0 {
		c.cookies = cookies
	}
	return w
}

// login configures admin credentials (if needed) and authenticates.
func (c *apiClient) login() {
	c.t.Helper()
	setup := c.do(
		http.MethodPost,
		"/api/setup",
		gin.H{"username": "admin", "password": testAdminPassword},
	)
	require.Contains(
		c.t,
		[]int{http.StatusCreated, http.StatusForbidden},
		setup.Code,
	)
	w := c.do(
		http.MethodPost,
		"/api/login",
		gin.H{"username": "admin", "password": testAdminPassword},
	)
	require.Equal(c.t, http.StatusOK, w.Code, w.Body.String())
}



func TestAPIHealth(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	w := newAPIClient(t, rw).do(http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPISetupAndLogin(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	client := newAPIClient(t, rw)

	w := client.do(http.MethodGet, "/api/setup", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"configured":false`)

	w = client.do(
		http.MethodPost,
		"/api/setup",
		gin.H{"username": "admin", "password": testAdminPassword},
	)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// setup only works once
	w = client.do(
		http.MethodPost,
		"/api/setup",
		gin.H{"username": "intruder", "password": "hunter2hunter2"},
	)
	assert.Equal(t, http.StatusForbidden, w.Code)

	// the stored password is hashed, not plaintext
	rc := rw.RuntimeConfig()
	assert.NotEqual(t, testAdminPassword, rc.AdminPassword)
	assert.NotEmpty(t, rc.AdminPassword)

	w = client.do(
		http.MethodPost,
		"/api/login",
		gin.H{"username": "admin", "password": testAdminPassword},
	)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPISetupRejectsShortPassword(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	w := newAPIClient(t, rw).do(
		http.MethodPost,
		"/api/setup",
		gin.H{"username": "admin", "password": "short"},
	)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPILoginBadCredentials(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	client := newAPIClient(t, rw)
	client.login()

	w := client.do(
		http.MethodPost,
		"/api/login",
		gin.H{"username": "admin", "password": "wrong-password-entirely"},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	w = client.do(
		http.MethodPost,
		"/api/login",
		gin.H{"username": "not-admin", "password": testAdminPassword},
	)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestAPIRequiresLogin(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	client := newAPIClient(t, rw)

	for _, path := range []string{
		"/api/status",
		"/api/disputes",
		"/api/users",
		"/api/config",
	} {
		w := client.do(http.MethodGet, path, nil)
		assert.Equal(t, http.StatusUnauthorized, w.Code, path)
	}

	client.login()
	w := client.do(http.MethodGet, "/api/status", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAPIListDisputes(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")

	client := newAPIClient(t, rw)
	client.login()

	w := client.do(http.MethodGet, "/api/disputes", nil)
	require.Equal(t, http.StatusOK, w.Code)

	var disputes []Dispute
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &disputes))
	require.Len(t, disputes, 1)
	assert.Equal(t, dispute.ID, disputes[0].ID)

	w = client.do(
		http.MethodGet,
		fmt.Sprintf("/api/disputes?state=%s", DisputeStateResolved),
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	disputes = nil
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &disputes))
	assert.Empty(t, disputes)
}

func TestAPIGetDispute(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	dispute := openTestDispute(t, rw, mock, "player-1", "player-2")

	client := newAPIClient(t, rw)
	client.login()

	w := client.do(
		http.MethodGet,
		fmt.Sprintf("/api/disputes/%d", dispute.ID),
		nil,
	)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), dispute.DisputeThreadID)

	w = client.do(http.MethodGet, "/api/disputes/99999", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = client.do(http.MethodGet, "/api/disputes/not-a-number", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIUpdateConfig(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	client := newAPIClient(t, rw)
	client.login()

	w := client.do(
		http.MethodPatch,
		"/api/config",
		gin.H{"decision_channel_id": "chan-explicit"},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, "chan-explicit", rw.RuntimeConfig().DecisionChannelID)
	assert.NotContains(t, w.Body.String(), rw.RuntimeConfig().AdminPassword)

	w = client.do(http.MethodPatch, "/api/config", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestAPIPauseResume(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	client := newAPIClient(t, rw)
	client.login()

	w := client.do(http.MethodPost, "/api/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, rw.RuntimeConfig().Paused)

	w = client.do(http.MethodPost, "/api/resume", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.False(t, rw.RuntimeConfig().Paused)
}

func TestAPIUpdateUser(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	ctx := context.Background()

	u := newDiscordUser(t)
	_, _, err := rw.writeDB.GetOrCreateUser(ctx, *u)
	require.NoError(t, err)

	client := newAPIClient(t, rw)
	client.login()

	w := client.do(
		http.MethodPatch,
		fmt.Sprintf("/api/users/%s", u.ID),
		gin.H{"ignored": true},
	)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	user := rw.writeDB.GetUser(u.ID)
	require.NotNil(t, user)
	assert.True(t, user.Ignored)

	w = client.do(
		http.MethodPatch,
		"/api/users/nobody",
		gin.H{"ignored": true},
	)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAPIQuit(t *testing.T) {
	rw, _ := newTestRefWarden(t)
	client := newAPIClient(t, rw)
	client.login()

	w := client.do(http.MethodPost, "/api/quit", nil)
	require.Equal(t, http.StatusOK, w.Code)
	select {
	case <-rw.quitCh:
	default:
		t.Fatal("quit channel not closed")
	}
}

func TestAPIRegisterCommands(t *testing.T) {
	rw, mock := newTestRefWarden(t)
	client := newAPIClient(t, rw)
	client.login()

	w := client.do(http.MethodPost, "/api/discord/register_commands", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, mock.commands, 3)
	assert.Contains(t, w.Body.String(), DiscordSlashCommandDispute)
}
