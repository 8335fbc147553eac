// Command gdrive-auth runs the OAuth consent flow once and prints the refresh
// token the gdrive storage provider needs.
package main

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/oauth2"

	"tilefarm/internal/config"
	"tilefarm/internal/pkg/errors"
	"tilefarm/internal/storage"
)

var (
	configPath string
	wait       time.Duration
)

var rootCmd = &cobra.Command{
	Use:          "gdrive-auth",
	Short:        "Obtain a Google Drive refresh token for the gdrive storage provider",
	Args:         cobra.NoArgs,
	SilenceUsage: true,
	RunE:         run,
}

func init() {
	rootCmd.Flags().StringVar(&configPath, "config", "", "path to a tilefarm.yaml config file")
	rootCmd.Flags().DurationVar(&wait, "wait", 3*time.Minute, "how long to wait for the browser consent")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	gd := cfg.Storage.GDrive
	if gd.ClientID == "" || gd.ClientSecret == "" {
		return errors.ValidationField("storage.gdrive.client_id", "GDRIVE_CLIENT_ID and GDRIVE_CLIENT_SECRET are required")
	}

	token, err := authorize(cmd.Context(), gd.ClientID, gd.ClientSecret, wait)
	if err != nil {
		return err
	}

	// refresh_token can be empty when the app was authorized before without prompt=consent.
	if strings.TrimSpace(token.RefreshToken) == "" {
		fmt.Println("\nNo refresh_token was returned.")
		fmt.Println("Revoke the app's access in your Google Account and run this command again:")
		fmt.Println("https://myaccount.google.com/permissions")
		return nil
	}

	fmt.Println("\nREFRESH TOKEN (set GDRIVE_REFRESH_TOKEN):")
	fmt.Println()
	fmt.Println(token.RefreshToken)
	return nil
}

func authorize(ctx context.Context, clientID, clientSecret string, wait time.Duration) (*oauth2.Token, error) {
	// 1) local callback on a free port
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, errors.Wrap(err, "gdrive_auth.listen", "open callback listener")
	}
	defer ln.Close()

	port := ln.Addr().(*net.TCPAddr).Port
	redirectURL := fmt.Sprintf("http://127.0.0.1:%d/callback", port)
	conf := storage.DriveOAuthConfig(clientID, clientSecret, redirectURL)

	state := randomState()
	codeCh := make(chan string, 1)
	errCh := make(chan error, 1)

	mux := http.NewServeMux()
	mux.HandleFunc("/callback", func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("state") != state {
			http.Error(w, "invalid state", http.StatusBadRequest)
			errCh <- errors.Validation("invalid state")
			return
		}
		if e := q.Get("error"); e != "" {
			http.Error(w, "auth error: "+e, http.StatusBadRequest)
			errCh <- errors.Newf(errors.CodeFailedPrecondition, "auth error: %s", e)
			return
		}
		code := q.Get("code")
		if code == "" {
			http.Error(w, "missing code", http.StatusBadRequest)
			errCh <- errors.Validation("missing code")
			return
		}

		fmt.Fprintln(w, "OK. You can close this window and return to the terminal.")
		codeCh <- code
	})

	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	go func() {
		_ = srv.Serve(ln)
	}()
	defer srv.Close()

	// 2) offline access so a refresh token is issued
	authURL := conf.AuthCodeURL(
		state,
		oauth2.AccessTypeOffline,
		oauth2.SetAuthURLParam("prompt", "consent"),
	)

	fmt.Println("\nOpen this URL in your browser:")
	fmt.Println()
	fmt.Println(authURL)
	fmt.Println("\nWaiting for authorization on:", redirectURL)

	// 3) wait for the code
	var code string
	select {
	case code = <-codeCh:
	case err := <-errCh:
		return nil, err
	case <-time.After(wait):
		return nil, errors.Timeout("waiting for authorization")
	}

	// 4) exchange it for tokens
	tok, err := conf.Exchange(ctx, code)
	if err != nil {
		return nil, errors.WrapWithCode(err, errors.CodeUnavailable, "gdrive_auth.exchange", "exchange code for token")
	}
	return tok, nil
}

func randomState() string {
	b := make([]byte, 18)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
