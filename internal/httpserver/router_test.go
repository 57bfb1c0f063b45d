package httpserver_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/djamkenny/hairbookery-sub000/internal/domain"
	"github.com/djamkenny/hairbookery-sub000/internal/httpserver/httpservertest"
)

func do(t *testing.T, method, url, token string, body any, out any) int {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func TestHealth(t *testing.T) {
	srv := httpservertest.New(t)
	var body map[string]string
	assert.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/health", "", nil, &body))
	assert.Equal(t, "healthy", body["status"])
}

func TestRegisterLoginAndMe(t *testing.T) {
	srv := httpservertest.New(t)

	var reg struct {
		AccessToken string      `json:"access_token"`
		User        domain.User `json:"user"`
	}
	status := do(t, http.MethodPost, srv.URL+"/api/auth/register", "", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "password-123",
	}, &reg)
	require.Equal(t, http.StatusCreated, status)
	assert.NotEmpty(t, reg.AccessToken)
	assert.Equal(t, domain.RoleUser, reg.User.Role)

	status = do(t, http.MethodPost, srv.URL+"/api/auth/register", "", map[string]string{
		"name": "Ada", "email": "ada@example.com", "password": "password-123",
	}, nil)
	assert.Equal(t, http.StatusConflict, status)

	var login struct {
		AccessToken string `json:"access_token"`
	}
	status = do(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "password-123",
	}, &login)
	require.Equal(t, http.StatusOK, status)

	var me domain.User
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/auth/me", login.AccessToken, nil, &me))
	assert.Equal(t, reg.User.ID, me.ID)

	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodGet, srv.URL+"/api/auth/me", "", nil, nil))
	assert.Equal(t, http.StatusUnauthorized, do(t, http.MethodPost, srv.URL+"/api/auth/login", "", map[string]string{
		"email": "ada@example.com", "password": "wrong-password",
	}, nil))
}

func TestConversationMessages(t *testing.T) {
	srv := httpservertest.New(t)
	ada, adaToken := srv.Register(t, "Ada", "ada@example.com")
	_, bobToken := srv.Register(t, "Bob", "bob@example.com")
	adminToken := srv.AdminToken(t)
	base := srv.URL + "/api/conversations/" + ada.ID + "/messages"

	var sent domain.Message
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, base, adaToken, map[string]string{
		"client_id": "tmp-1", "body": "Hello there",
	}, &sent))
	assert.Equal(t, "Hello there", sent.Body)
	assert.Equal(t, "tmp-1", sent.ClientID)

	var again domain.Message
	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, base, adaToken, map[string]string{
		"client_id": "tmp-1", "body": "Hello there",
	}, &again))
	assert.Equal(t, sent.ID, again.ID)

	require.Equal(t, http.StatusCreated, do(t, http.MethodPost, base, adminToken, map[string]string{
		"client_id": "tmp-2", "body": "Hi Ada, how can we help?",
	}, nil))

	assert.Equal(t, http.StatusForbidden, do(t, http.MethodPost, base, bobToken, map[string]string{"body": "intrude"}, nil))
	assert.Equal(t, http.StatusBadRequest, do(t, http.MethodPost, base, adaToken, map[string]string{"body": "   "}, nil))

	var history []domain.Message
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, base, adaToken, nil, &history))
	require.Len(t, history, 2)
	assert.Equal(t, domain.RoleUser, history[0].SenderRole)
	assert.Equal(t, domain.RoleAdmin, history[1].SenderRole)

	var edited domain.Message
	require.Equal(t, http.StatusOK, do(t, http.MethodPatch, srv.URL+"/api/messages/"+sent.ID, adaToken, map[string]string{"body": "Hello!"}, &edited))
	assert.Equal(t, "Hello!", edited.Body)
	assert.NotNil(t, edited.EditedAt)

	var all []domain.Message
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/messages", adminToken, nil, &all))
	assert.Len(t, all, 2)
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodGet, srv.URL+"/api/messages", adaToken, nil, nil))

	var sums []domain.ConversationSummary
	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/inbox/summaries", adminToken, map[string]any{
		"read_marks": map[string]int64{},
	}, &sums))
	require.Len(t, sums, 1)
	assert.Equal(t, ada.ID, sums[0].OwnerID)
	assert.Equal(t, "Hi Ada, how can we help?", sums[0].LastMessage.Body)
	assert.Equal(t, 2, sums[0].Count)
	assert.Equal(t, 1, sums[0].Unread)

	require.Equal(t, http.StatusOK, do(t, http.MethodPost, srv.URL+"/api/inbox/summaries", adminToken, map[string]any{
		"read_marks": map[string]int64{ada.ID: history[1].Seq},
	}, &sums))
	require.Len(t, sums, 1)
	assert.Equal(t, 0, sums[0].Unread)
	assert.Equal(t, http.StatusForbidden, do(t, http.MethodPost, srv.URL+"/api/inbox/summaries", adaToken, map[string]any{}, nil))

	var profiles []domain.Profile
	require.Equal(t, http.StatusOK, do(t, http.MethodGet, srv.URL+"/api/profiles?ids="+ada.ID, adminToken, nil, &profiles))
	require.Len(t, profiles, 1)
	assert.Equal(t, "Ada", profiles[0].Name)

	var cleared map[string]int64
	require.Equal(t, http.StatusOK, do(t, http.MethodDelete, base, adaToken, nil, &cleared))
	assert.Equal(t, int64(2), cleared["deleted"])
}
