package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"html"
	"io"
	"net"
	"net/http"
	"os"
	"os/exec"
	"runtime"
	"time"

	"github.com/peteski22/adsmirror/internal/config"
	"github.com/peteski22/adsmirror/internal/googleads"
	"github.com/peteski22/adsmirror/internal/storage"
)

const (
	authTimeout     = 5 * time.Minute
	callbackAddr    = "localhost:8085"
	callbackPath    = "/callback"
	stateByteLength = 32
)

// generateOAuthState generates a cryptographically secure random state for CSRF protection.
func generateOAuthState() (string, error) {
	b := make([]byte, stateByteLength)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}

// browserCommand returns the command and arguments to open a URL on the current OS.
func browserCommand(targetURL string) (string, []string) {
	switch runtime.GOOS {
	case "darwin":
		return "open", []string{targetURL}
	case "windows":
		return "rundll32", []string{"url.dll,FileProtocolHandler", targetURL}
	default:
		return "xdg-open", []string{targetURL}
	}
}

// openBrowser opens the default web browser to the specified URL.
func openBrowser(targetURL string) error {
	name, args := browserCommand(targetURL)
	cmd := exec.Command(name, args...)
	cmd.Stderr = os.Stderr
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout

	return cmd.Start()
}

// runAuth performs the Google OAuth consent flow and saves the refresh token to the local
// token file.
func runAuth(ctx context.Context, out io.Writer, cfg *config.LocalConfig) error {
	_, _ = fmt.Fprintln(out, "=== Google Ads Authorization ===")
	_, _ = fmt.Fprintln(out)

	tokenPath, err := config.TokenFilePath()
	if err != nil {
		return fmt.Errorf("getting token path: %w", err)
	}

	tokenStore, err := storage.NewFileTokenStore(tokenPath)
	if err != nil {
		return fmt.Errorf("creating token store: %w", err)
	}

	state, err := generateOAuthState()
	if err != nil {
		return fmt.Errorf("generating OAuth state: %w", err)
	}

	codeChan := make(chan string, 1)
	errChan := make(chan error, 1)

	server, baseURL, err := startOAuthCallbackServer(callbackAddr, codeChan, errChan, state)
	if err != nil {
		return fmt.Errorf("starting callback server: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	flow, err := googleads.NewAuthFlow(googleads.AuthConfig{
		ClientID:     cfg.GoogleAds.ClientID,
		ClientSecret: cfg.GoogleAds.ClientSecret,
		RedirectURL:  baseURL + callbackPath,
		TokenStore:   tokenStore,
	})
	if err != nil {
		return fmt.Errorf("creating auth flow: %w", err)
	}

	consentURL := flow.URL(state)

	_, _ = fmt.Fprintln(out, "Opening browser for Google authorization...")
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "If the browser doesn't open, visit this URL:")
	_, _ = fmt.Fprintln(out, consentURL)
	_, _ = fmt.Fprintln(out)

	if err := openBrowser(consentURL); err != nil {
		_, _ = fmt.Fprintf(out, "Could not open browser: %s\n", err)
	}

	_, _ = fmt.Fprintln(out, "Waiting for authorization...")

	var code string
	select {
	case code = <-codeChan:
	case err := <-errChan:
		return fmt.Errorf("authorization failed: %w", err)
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(authTimeout):
		return fmt.Errorf("authorization timed out after %s", authTimeout)
	}

	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Authorization received, exchanging for tokens...")

	if err := flow.Exchange(ctx, code); err != nil {
		return err
	}

	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "Authorization successful!")
	_, _ = fmt.Fprintf(out, "Refresh token saved to: %s\n", tokenPath)
	_, _ = fmt.Fprintln(out)
	_, _ = fmt.Fprintln(out, "You can now run:")
	_, _ = fmt.Fprintln(out, "  adsmirror run --dry-run --sync-type full")

	return nil
}

// writeCallbackResponse writes an HTML response for the OAuth callback page.
// It escapes the title and message to prevent XSS attacks.
func writeCallbackResponse(w http.ResponseWriter, title string, message string) {
	w.Header().Set("Content-Type", "text/html")
	_, _ = fmt.Fprintf(
		w,
		`<html><body><h1>%s</h1><p>%s</p><p>You can close this window.</p></body></html>`,
		html.EscapeString(title),
		html.EscapeString(message),
	)
}

// startOAuthCallbackServer starts a local HTTP server on addr to receive the OAuth callback.
// It sends the authorization code or error through the provided channels and returns the
// server with its base URL. The callback must carry expectedState.
func startOAuthCallbackServer(
	addr string,
	codeChan chan<- string,
	errChan chan<- error,
	expectedState string,
) (*http.Server, string, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, "", fmt.Errorf("listening on %s: %w", addr, err)
	}

	report := func(err error) {
		select {
		case errChan <- err:
		default:
		}
	}

	mux := http.NewServeMux()
	mux.HandleFunc(callbackPath, func(w http.ResponseWriter, r *http.Request) {
		code := r.URL.Query().Get("code")
		errDesc := r.URL.Query().Get("error_description")
		errMsg := r.URL.Query().Get("error")
		state := r.URL.Query().Get("state")

		if errMsg != "" {
			report(fmt.Errorf("%s: %s", errMsg, errDesc))
			writeCallbackResponse(w, "Authorization Failed", fmt.Sprintf("%s: %s", errMsg, errDesc))
			return
		}

		if code == "" {
			report(errors.New("no authorization code received"))
			writeCallbackResponse(w, "Authorization Failed", "No authorization code received.")
			return
		}

		if state != expectedState {
			report(errors.New("state mismatch: possible CSRF attack"))
			writeCallbackResponse(w, "Authorization Failed", "State validation failed.")
			return
		}

		select {
		case codeChan <- code:
		default:
		}
		writeCallbackResponse(w, "Authorization Successful", "You can return to the terminal.")
	})

	server := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		if err := server.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			report(fmt.Errorf("server error: %w", err))
		}
	}()

	return server, "http://" + listener.Addr().String(), nil
}
