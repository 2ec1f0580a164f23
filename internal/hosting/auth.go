package hosting

import (
	"context"
	"fmt"
	"net/http"
	"os"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/google/go-github/v84/github"
	"golang.org/x/oauth2"
)

// AppAuthParams configure GitHub App installation-token auth, the primary
// authentication path.
type AppAuthParams struct {
	AppID          int64
	InstallationID int64
	PrivateKeyPath string
}

// newHTTPClient builds the transport used by the go-github client: a GitHub
// App installation transport when AppAuthParams are complete, falling back
// to a plain OAuth2 personal-access-token transport otherwise.
func newHTTPClient(ctx context.Context, app AppAuthParams, token string) (*http.Client, func(context.Context) (string, error), error) {
	if app.AppID != 0 && app.InstallationID != 0 && app.PrivateKeyPath != "" {
		keyData, err := os.ReadFile(app.PrivateKeyPath)
		if err != nil {
			return nil, nil, fmt.Errorf("reading GitHub App private key: %w", err)
		}
		tr, err := ghinstallation.New(http.DefaultTransport, app.AppID, app.InstallationID, keyData)
		if err != nil {
			return nil, nil, fmt.Errorf("building GitHub App transport: %w", err)
		}
		refresh := func(ctx context.Context) (string, error) {
			return tr.Token(ctx)
		}
		return &http.Client{Transport: tr}, refresh, nil
	}

	if token == "" {
		return nil, nil, fmt.Errorf("no GitHub App credentials and no GITHUB_TOKEN set")
	}
	src := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
	client := oauth2.NewClient(ctx, src)
	refresh := func(context.Context) (string, error) { return token, nil }
	return client, refresh, nil
}

// newGitHubClient builds a *github.Client wired to either App or PAT auth.
func newGitHubClient(ctx context.Context, app AppAuthParams, token, baseURL string) (*github.Client, func(context.Context) (string, error), error) {
	httpClient, refresh, err := newHTTPClient(ctx, app, token)
	if err != nil {
		return nil, nil, err
	}
	gh := github.NewClient(httpClient)
	if baseURL != "" {
		gh, err = gh.WithEnterpriseURLs(baseURL, baseURL)
		if err != nil {
			return nil, nil, fmt.Errorf("configuring enterprise base URL: %w", err)
		}
	}
	return gh, refresh, nil
}
