package coder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestListRunningWorkspaces_PaginatesAndFilters(t *testing.T) {
	now := time.Now().UTC()
	total := 75 // two pages at limit 50

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/workspaces", r.URL.Path)
		require.Equal(t, "token", r.Header.Get("Coder-Session-Token"))

		offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		require.Equal(t, 50, limit)

		var page []Workspace
		for i := offset; i < offset+limit && i < total; i++ {
			status := "running"
			if i%3 == 0 {
				status = "stopped"
			}
			page = append(page, Workspace{
				ID:          strconv.Itoa(i),
				Name:        "ws-" + strconv.Itoa(i),
				OwnerName:   "alice",
				LastUsedAt:  &now,
				LatestBuild: Build{Status: status},
			})
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"workspaces": page,
			"count":      total,
		})
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token")
	running, err := client.ListRunningWorkspaces(context.Background())
	require.NoError(t, err)

	// 75 workspaces, every third stopped.
	assert.Len(t, running, 50)
	for _, ws := range running {
		assert.Equal(t, "running", ws.LatestBuild.Status)
	}
}

func TestStopWorkspace_PostsStopTransition(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/workspaces/ws1/builds", r.URL.Path)
		require.Equal(t, http.MethodPost, r.Method)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token")
	require.NoError(t, client.StopWorkspace(context.Background(), "ws1"))
	assert.Equal(t, map[string]string{"transition": "stop"}, got)
}

func TestStopWorkspace_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		w.Write([]byte(`{"message": "not allowed"}`))
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "token")
	err := client.StopWorkspace(context.Background(), "ws1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}

func TestCurrentUser_UsesCallerToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/api/v2/users/me", r.URL.Path)
		require.Equal(t, "session-token", r.Header.Get("Coder-Session-Token"))
		json.NewEncoder(w).Encode(map[string]string{"id": "u1", "username": "alice"})
	}))
	defer srv.Close()

	// The client's own (empty) token must not be used for this call.
	client := NewClient(srv.URL, "")
	user, err := client.CurrentUser(context.Background(), "session-token")
	require.NoError(t, err)
	assert.Equal(t, "alice", user.Username)
}

func TestCurrentUser_InvalidSession(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	client := NewClient(srv.URL, "")
	_, err := client.CurrentUser(context.Background(), "expired")
	assert.ErrorIs(t, err, ErrInvalidSession)
}

func TestHasToken(t *testing.T) {
	assert.False(t, NewClient("http://host", "").HasToken())
	assert.True(t, NewClient("http://host", "tok").HasToken())
}
