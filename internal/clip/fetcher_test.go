package clip_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nestsub/internal/auth"
	"nestsub/internal/clip"
	"nestsub/internal/models"
	"nestsub/internal/storage"
)

func staticToken(token string) auth.TokenProvider {
	return auth.TokenProviderFunc(func(ctx context.Context) (string, error) {
		return token, nil
	})
}

func endedEnvelope(t *testing.T, previewURL string) *models.Envelope {
	t.Helper()
	body := `{"timestamp":"2024-01-15T10:30:00Z","eventThreadId":"thread-1","eventThreadState":"ENDED"`
	if previewURL != "" {
		body += `,"resourceUpdate":{"events":{"sdm.devices.events.CameraClipPreview.ClipPreview":{"previewUrl":"` + previewURL + `"}}}`
	}
	body += `}`
	env, err := models.DecodeEnvelope([]byte(body))
	require.NoError(t, err)
	return env
}

func newFetcher(t *testing.T, tokens auth.TokenProvider) (*clip.Fetcher, string) {
	t.Helper()
	return newFetcherWithTimeout(t, tokens, 5*time.Second)
}

func newFetcherWithTimeout(t *testing.T, tokens auth.TokenProvider, timeout time.Duration) (*clip.Fetcher, string) {
	t.Helper()
	root := t.TempDir()
	store := storage.NewFileStore(storage.Config{
		RecordsDir: filepath.Join(root, "records"),
		ClipsDir:   filepath.Join(root, "clips"),
		Paths:      models.NewPathDeriver(time.UTC),
	})
	return clip.NewFetcher(clip.Config{
		Tokens:     tokens,
		Store:      store,
		Timeout:    timeout,
		BufferSize: 2,
	}), filepath.Join(root, "clips", "20240115", "20240115-103000_thread-1.mp4")
}

func clipDirEntries(t *testing.T, clipPath string) int {
	t.Helper()
	entries, err := os.ReadDir(filepath.Dir(clipPath))
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	require.NoError(t, err)
	return len(entries)
}

func TestFetch_Saved(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok-123", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte{0x00, 0x01, 0x02, 0x03, 0x04})
	}))
	defer srv.Close()

	f, want := newFetcher(t, staticToken("tok-123"))
	res := f.Fetch(context.Background(), endedEnvelope(t, srv.URL+"/clip"))

	require.True(t, res.Saved(), "outcome %s: %v", res.Outcome, res.Err)
	assert.Equal(t, want, res.Path)
	assert.Equal(t, int64(5), res.Bytes)

	got, err := os.ReadFile(want)
	require.NoError(t, err)
	assert.Equal(t, []byte{0x00, 0x01, 0x02, 0x03, 0x04}, got, "chunks written in order")
}

func TestFetch_NoPreviewURL(t *testing.T) {
	var tokenCalls atomic.Int32
	tokens := auth.TokenProviderFunc(func(ctx context.Context) (string, error) {
		tokenCalls.Add(1)
		return "tok", nil
	})

	f, want := newFetcher(t, tokens)
	res := f.Fetch(context.Background(), endedEnvelope(t, ""))

	assert.Equal(t, clip.OutcomeNoClip, res.Outcome)
	assert.Zero(t, tokenCalls.Load(), "no token requested without a clip")
	assert.Zero(t, clipDirEntries(t, want))
}

func TestFetch_TokenFailure(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	tokens := auth.TokenProviderFunc(func(ctx context.Context) (string, error) {
		return "", auth.ErrAuth
	})
	f, want := newFetcher(t, tokens)
	res := f.Fetch(context.Background(), endedEnvelope(t, srv.URL))

	assert.Equal(t, clip.OutcomeAuthFailed, res.Outcome)
	assert.ErrorIs(t, res.Err, auth.ErrAuth)
	assert.Zero(t, hits.Load())
	assert.Zero(t, clipDirEntries(t, want))
}

func TestFetch_Forbidden(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_, _ = w.Write([]byte("denied"))
	}))
	defer srv.Close()

	f, want := newFetcher(t, staticToken("tok"))
	res := f.Fetch(context.Background(), endedEnvelope(t, srv.URL))

	assert.Equal(t, clip.OutcomeBadStatus, res.Outcome)
	assert.Equal(t, http.StatusForbidden, res.StatusCode)
	assert.Zero(t, clipDirEntries(t, want), "no clip file for non-200")
}

func TestFetch_NonOKSuccessStatusRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPartialContent)
		_, _ = w.Write([]byte{0x01})
	}))
	defer srv.Close()

	f, want := newFetcher(t, staticToken("tok"))
	res := f.Fetch(context.Background(), endedEnvelope(t, srv.URL))

	assert.Equal(t, clip.OutcomeBadStatus, res.Outcome)
	assert.Zero(t, clipDirEntries(t, want))
}

func TestFetch_TruncatedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		_, _ = w.Write([]byte{0x00, 0x01, 0x02})
	}))
	defer srv.Close()

	f, want := newFetcher(t, staticToken("tok"))
	res := f.Fetch(context.Background(), endedEnvelope(t, srv.URL))

	assert.Equal(t, clip.OutcomeNetworkFailed, res.Outcome)
	assert.Zero(t, clipDirEntries(t, want), "partial download removed")
}

func TestFetch_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	f, _ := newFetcher(t, staticToken("tok"))
	res := f.Fetch(context.Background(), endedEnvelope(t, url))

	assert.Equal(t, clip.OutcomeNetworkFailed, res.Outcome)
	assert.Error(t, res.Err)
}

func TestFetch_StalledBodyTimesOut(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "1000")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte{0x00, 0x01})
		w.(http.Flusher).Flush()
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	f, want := newFetcherWithTimeout(t, staticToken("tok"), 100*time.Millisecond)

	start := time.Now()
	res := f.Fetch(context.Background(), endedEnvelope(t, srv.URL))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, clip.OutcomeNetworkFailed, res.Outcome)
	assert.Error(t, res.Err)
	assert.Zero(t, clipDirEntries(t, want), "no clip or partial file left behind")
}
