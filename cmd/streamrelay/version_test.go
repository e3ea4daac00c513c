package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsOutdated(t *testing.T) {
	tests := []struct {
		current, latest string
		want            bool
	}{
		{"v0.1.0", "v0.2.0", true},
		{"v0.2.0", "v0.2.0", false},
		{"v1.0.0", "v0.9.9", false},
		{"0.1.0", "v0.1.1", true},
	}
	for _, tt := range tests {
		got, err := isOutdated(tt.current, tt.latest)
		require.NoError(t, err)
		assert.Equal(t, tt.want, got, "%s vs %s", tt.current, tt.latest)
	}

	_, err := isOutdated("v1", "not-a-version")
	assert.Error(t, err)
}

func TestLatestRelease(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"tag_name":"v0.3.1"}`))
	}))
	defer srv.Close()

	tag, err := latestRelease(srv.URL)
	require.NoError(t, err)
	assert.Equal(t, "v0.3.1", tag)
}
