package gitx

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
)

// ErrInvalidRepoURL indicates a repository URL that cannot be used to
// create a run.
var ErrInvalidRepoURL = errors.New("invalid repository URL")

var credentialRegex = regexp.MustCompile(`://[^@]+@`)

// ValidateRepoURL checks that raw is a well-formed https URL on the
// expected hosting domain with an owner/name path.
func ValidateRepoURL(raw, host string) error {
	_, _, err := SplitRepoPath(raw, host)
	return err
}

// SplitRepoPath extracts the owner and repository name from a hosting URL.
// A trailing ".git" suffix or slash is accepted and dropped. When host is
// non-empty the URL must be on that domain.
func SplitRepoPath(raw, host string) (owner, name string, err error) {
	u, perr := url.Parse(raw)
	if perr != nil {
		return "", "", fmt.Errorf("%w: %v", ErrInvalidRepoURL, perr)
	}
	if u.Scheme != "https" {
		return "", "", fmt.Errorf("%w: scheme must be https, got %q", ErrInvalidRepoURL, u.Scheme)
	}
	if host != "" && !strings.EqualFold(u.Host, host) {
		return "", "", fmt.Errorf("%w: host must be %s, got %q", ErrInvalidRepoURL, host, u.Host)
	}

	parts := strings.Split(strings.Trim(u.Path, "/"), "/")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", fmt.Errorf("%w: path must be owner/name, got %q", ErrInvalidRepoURL, u.Path)
	}

	name = strings.TrimSuffix(parts[1], ".git")
	if name == "" {
		return "", "", fmt.Errorf("%w: empty repository name", ErrInvalidRepoURL)
	}
	return parts[0], name, nil
}

// BuildCloneURL constructs the canonical https clone URL for a repository.
func BuildCloneURL(host, owner, name string) string {
	return fmt.Sprintf("https://%s/%s/%s.git", host, owner, name)
}

// AuthenticatedURL embeds the access token as userinfo in the URL so git
// can authenticate without a credential helper. GitHub expects installation
// tokens in the x-access-token form.
func AuthenticatedURL(raw, token string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("failed to parse repository URL: %w", err)
	}
	u.User = url.UserPassword("x-access-token", token)
	return u.String(), nil
}

// SanitizeURL masks embedded credentials so URLs and git output are safe
// to log or return to callers.
func SanitizeURL(raw string) string {
	return credentialRegex.ReplaceAllString(raw, "://***@")
}
