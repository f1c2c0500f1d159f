package main

import (
	"context"
	"encoding/base64"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGenerateOAuthState(t *testing.T) {
	t.Parallel()

	first, err := generateOAuthState()
	require.NoError(t, err)
	second, err := generateOAuthState()
	require.NoError(t, err)

	require.NotEqual(t, first, second)

	raw, err := base64.URLEncoding.DecodeString(first)
	require.NoError(t, err)
	require.Len(t, raw, stateByteLength)
}

func TestWriteCallbackResponse(t *testing.T) {
	t.Parallel()

	w := httptest.NewRecorder()

	writeCallbackResponse(w, "Test Title", "<script>alert(1)</script>")

	resp := w.Result()
	defer func() { _ = resp.Body.Close() }()

	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))

	body := w.Body.String()
	require.Contains(t, body, "<h1>Test Title</h1>")
	require.Contains(t, body, "&lt;script&gt;")
	require.NotContains(t, body, "<script>")
	require.Contains(t, body, "You can close this window.")
}

func TestBrowserCommand(t *testing.T) {
	t.Parallel()

	testURL := "https://accounts.google.com/o/oauth2/auth"
	name, args := browserCommand(testURL)

	require.NotEmpty(t, name)
	require.True(t, slices.Contains(args, testURL), "URL should be in command arguments")
}

func TestStartOAuthCallbackServer(t *testing.T) {
	t.Parallel()

	tests := map[string]struct {
		query    url.Values
		wantBody string
		wantCode string
		wantErr  string
	}{
		"successful authorization callback": {
			query:    url.Values{"code": {"test-auth-code"}, "state": {"expected-state"}},
			wantBody: "Authorization Successful",
			wantCode: "test-auth-code",
		},
		"error callback": {
			query:    url.Values{"error": {"access_denied"}, "error_description": {"User denied access"}},
			wantBody: "Authorization Failed",
			wantErr:  "access_denied: User denied access",
		},
		"missing code": {
			query:    url.Values{"state": {"expected-state"}},
			wantBody: "No authorization code received.",
			wantErr:  "no authorization code",
		},
		"state mismatch": {
			query:    url.Values{"code": {"test-auth-code"}, "state": {"forged"}},
			wantBody: "State validation failed.",
			wantErr:  "state mismatch",
		},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			codeChan := make(chan string, 1)
			errChan := make(chan error, 1)

			server, baseURL, err := startOAuthCallbackServer("127.0.0.1:0", codeChan, errChan, "expected-state")
			require.NoError(t, err)
			t.Cleanup(func() {
				ctx, cancel := context.WithTimeout(context.Background(), time.Second)
				defer cancel()
				_ = server.Shutdown(ctx)
			})
			require.True(t, strings.HasPrefix(baseURL, "http://127.0.0.1:"))

			resp, err := http.Get(baseURL + callbackPath + "?" + tc.query.Encode())
			require.NoError(t, err)
			defer func() { _ = resp.Body.Close() }()

			require.Equal(t, http.StatusOK, resp.StatusCode)
			body, err := io.ReadAll(resp.Body)
			require.NoError(t, err)
			require.Contains(t, string(body), tc.wantBody)

			select {
			case code := <-codeChan:
				require.Empty(t, tc.wantErr, "unexpected code received")
				require.Equal(t, tc.wantCode, code)
			case err := <-errChan:
				require.NotEmpty(t, tc.wantErr, "unexpected error: %v", err)
				require.Contains(t, err.Error(), tc.wantErr)
			case <-time.After(time.Second):
				t.Fatal("timeout waiting for callback result")
			}
		})
	}
}

func TestStartOAuthCallbackServer_PortInUse(t *testing.T) {
	t.Parallel()

	server, baseURL, err := startOAuthCallbackServer("127.0.0.1:0", make(chan string, 1), make(chan error, 1), "")
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close() })

	_, _, err = startOAuthCallbackServer(strings.TrimPrefix(baseURL, "http://"), make(chan string, 1), make(chan error, 1), "")

	require.Error(t, err)
	require.Contains(t, err.Error(), "listening on")
}
