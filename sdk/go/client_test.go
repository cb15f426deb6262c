package buildlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestTriggerAndWait(t *testing.T) {
	polls := 0
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v0/build-types/BuildDocker/builds", func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		w.WriteHeader(http.StatusAccepted)
		json.NewEncoder(w).Encode(Build{ID: "b1", Number: 1, Status: "queued"})
	})
	mux.HandleFunc("GET /v0/builds/b1", func(w http.ResponseWriter, r *http.Request) {
		polls++
		status := "running"
		if polls > 1 {
			status = "success"
		}
		json.NewEncoder(w).Encode(BuildDetail{Build: Build{ID: "b1", Status: status}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL + "/")
	c.BearerToken = "tok"
	b, err := c.TriggerBuild(context.Background(), "BuildDocker", false)
	require.NoError(t, err)
	require.Equal(t, "b1", b.ID)
	require.False(t, b.Finished())

	detail, err := c.WaitBuild(context.Background(), b.ID, time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, "success", detail.Build.Status)
	require.Equal(t, 2, polls)
}

func TestRegisterAndListAgents(t *testing.T) {
	var got map[string]any
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v0/agents", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode(Agent{ID: "Ubuntu-20.04-a", Name: "Ubuntu-20.04-a", MemoryMB: 32000, Enabled: true})
	})
	mux.HandleFunc("GET /v0/agents", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]any{"items": []Agent{{ID: "Ubuntu-20.04-a", Enabled: true}}})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := New(srv.URL)
	a, err := c.RegisterAgent(context.Background(), Agent{Name: "Ubuntu-20.04-a", MemoryMB: 32000})
	require.NoError(t, err)
	require.True(t, a.Enabled)
	require.Equal(t, "Ubuntu-20.04-a", got["name"])
	require.EqualValues(t, 32000, got["memory_mb"])

	agents, err := c.ListAgents(context.Background())
	require.NoError(t, err)
	require.Len(t, agents, 1)
}

func TestAPIErrorDecodesEnvelope(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"error":{"code":"not_found","message":"build nope: not found"}}`))
	}))
	defer srv.Close()

	_, err := New(srv.URL).GetBuild(context.Background(), "nope")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	require.Equal(t, http.StatusNotFound, apiErr.StatusCode)
	require.Equal(t, "not_found", apiErr.Code)
}
