package main

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFetchView(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/research/job-1", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(JobView{
			JobID:     "job-1",
			Target:    JobTarget{Name: "Acme Holdings LLC", Objectives: []string{"financial"}},
			Status:    "running",
			Phase:     1,
			MaxPhases: 3,
			Facts:     42,
			UpdatedAt: time.Now(),
		})
	}))
	defer srv.Close()

	view, err := fetchView(context.Background(), srv.URL, "job-1")
	require.NoError(t, err)
	assert.Equal(t, "job-1", view.JobID)
	assert.Equal(t, "Acme Holdings LLC", view.Target.Name)
	assert.Equal(t, "running", view.Status)
	assert.Equal(t, 42, view.Facts)
}

func TestFetchViewUnknownJob(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"message":"job not found"}`))
	}))
	defer srv.Close()

	_, err := fetchView(context.Background(), srv.URL, "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
	assert.Contains(t, err.Error(), "job not found")
}

func TestFetchViewServerDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	srv.Close()

	_, err := fetchView(context.Background(), srv.URL, "job-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to send request")
}

func TestStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		w.Write([]byte(`{"message":"report not ready"}`))
	}))
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	err = statusError(resp)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "server returned status 409")
	assert.Contains(t, err.Error(), "report not ready")
}
