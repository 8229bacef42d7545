// Package flagutil exposes shared command line options
package flagutil

import (
	"flag"
	"fmt"
	"path/filepath"

	"github.com/spf13/pflag"
	"sigs.k8s.io/prow/pkg/config/secret"
	prowflagutil "sigs.k8s.io/prow/pkg/flagutil"
	prowgithub "sigs.k8s.io/prow/pkg/github"

	"github.com/petr-muller/ghwatch/internal/config"
)

const (
	tokenFileName string = "github-token"
	tokenFlagName string = "github-token-path"

	defaultRESTEndpoint string = "https://api.github.com"
)

// GitHubOptions are the prow GitHub client options with the token read from
// the ghwatch config directory by default
type GitHubOptions struct {
	prowflagutil.GitHubOptions
	RESTEndpoint string
	DryRun       bool
}

// DefaultTokenPath is where the GitHub token is read from unless overridden
func DefaultTokenPath() string {
	return filepath.Join(config.MustConfigDir(), tokenFileName)
}

// AddFlags injects GitHub options into the given FlagSet
func (o *GitHubOptions) AddFlags(fs *flag.FlagSet) {
	o.GitHubOptions.AddFlags(fs)
	fs.StringVar(&o.RESTEndpoint, "github-rest-endpoint", defaultRESTEndpoint, "GitHub REST API endpoint used for branches, tags, compare ranges and the rate limit")
	fs.BoolVar(&o.DryRun, "dry-run", false, "Do not report commit statuses to GitHub")
	if f := fs.Lookup(tokenFlagName); f != nil {
		f.DefValue = DefaultTokenPath()
		_ = f.Value.Set(f.DefValue)
	}
}

// AddPFlags injects GitHub options into the given pflag.FlagSet. The prow
// flags are registered on a Go FlagSet first and then bridged, so parsing
// the pflag set fills the prow options directly.
func (o *GitHubOptions) AddPFlags(fs *pflag.FlagSet) {
	goFlags := flag.NewFlagSet("github", flag.ContinueOnError)
	o.AddFlags(goFlags)
	fs.AddGoFlagSet(goFlags)
}

func (o *GitHubOptions) Validate() error {
	return o.GitHubOptions.Validate(o.DryRun)
}

// Client creates the prow GitHub client
func (o *GitHubOptions) Client() (prowgithub.Client, error) {
	client, err := o.GitHubOptions.GitHubClient(o.DryRun)
	if err != nil {
		return nil, fmt.Errorf("cannot create GitHub client: %w", err)
	}
	return client, nil
}

// TokenGenerator returns the token loaded from the token file. The file is
// watched and reloaded when it changes.
func (o *GitHubOptions) TokenGenerator() (func() []byte, error) {
	return FileSecret(o.TokenPath)
}

// FileSecret loads a secret file and returns its up-to-date content
func FileSecret(path string) (func() []byte, error) {
	if err := secret.Add(path); err != nil {
		return nil, fmt.Errorf("cannot load secret %s: %w", path, err)
	}
	return secret.GetTokenGenerator(path), nil
}
