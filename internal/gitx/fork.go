package gitx

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/Corvid-Labs/fixstream/internal/logger"
)

const (
	// DefaultForkTimeout is the HTTP client timeout for platform API calls
	DefaultForkTimeout = 10 * time.Second

	// DefaultForkRetries is the number of fork request attempts
	DefaultForkRetries = 3

	// forkInitialBackoff is the initial retry backoff duration
	forkInitialBackoff = 500 * time.Millisecond
)

// ForkClient creates forks through the hosting platform's REST API.
type ForkClient struct {
	apiBase    string
	host       string
	token      string
	httpClient *http.Client
	log        *logger.Logger
}

// NewForkClient builds a ForkClient. apiBase is the platform REST root
// (https://api.github.com), host the repository domain used when a fork
// URL has to be constructed rather than read from a response.
func NewForkClient(apiBase, host, token string) *ForkClient {
	return &ForkClient{
		apiBase: strings.TrimRight(apiBase, "/"),
		host:    host,
		token:   token,
		httpClient: &http.Client{
			Timeout: DefaultForkTimeout,
		},
		log: logger.GetLogger().WithField("component", "forks"),
	}
}

// CreateFork forks owner/name into the credential holder's namespace and
// returns the fork's clone URL. A fork that already exists counts as
// success. Transient failures are retried with linear backoff.
func (c *ForkClient) CreateFork(ctx context.Context, owner, name string) (string, error) {
	var lastErr error

	for attempt := 1; attempt <= DefaultForkRetries; attempt++ {
		cloneURL, retryable, err := c.createForkOnce(ctx, owner, name)
		if err == nil {
			return cloneURL, nil
		}

		lastErr = err
		if !retryable {
			return "", err
		}

		if attempt < DefaultForkRetries {
			backoff := forkInitialBackoff * time.Duration(attempt)
			select {
			case <-ctx.Done():
				return "", ctx.Err()
			case <-time.After(backoff):
			}
		}
	}

	return "", fmt.Errorf("fork request failed after %d attempts: %w", DefaultForkRetries, lastErr)
}

// createForkOnce performs a single fork request. The second return value
// reports whether a failure is worth retrying.
func (c *ForkClient) createForkOnce(ctx context.Context, owner, name string) (string, bool, error) {
	endpoint := fmt.Sprintf("%s/repos/%s/%s/forks", c.apiBase, owner, name)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return "", false, fmt.Errorf("failed to create fork request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", true, fmt.Errorf("fork request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", true, fmt.Errorf("failed to read fork response: %w", err)
	}

	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		var fork struct {
			CloneURL string `json:"clone_url"`
			FullName string `json:"full_name"`
		}
		if err := json.Unmarshal(body, &fork); err != nil {
			return "", false, fmt.Errorf("failed to decode fork response: %w", err)
		}
		if fork.CloneURL != "" {
			c.log.WithField("fork", fork.FullName).Debug("fork available")
			return fork.CloneURL, false, nil
		}
		if fork.FullName != "" {
			parts := strings.SplitN(fork.FullName, "/", 2)
			if len(parts) == 2 {
				return BuildCloneURL(c.host, parts[0], parts[1]), false, nil
			}
		}
		return "", false, fmt.Errorf("fork response missing clone URL")

	case resp.StatusCode == http.StatusForbidden || resp.StatusCode == http.StatusUnprocessableEntity:
		// The platform reports a pre-existing fork this way; resolve the
		// credential holder's login and construct the fork URL.
		if strings.Contains(strings.ToLower(string(body)), "already exists") {
			login, lerr := c.viewerLogin(ctx)
			if lerr != nil {
				return "", false, fmt.Errorf("fork exists but owner lookup failed: %w", lerr)
			}
			return BuildCloneURL(c.host, login, name), false, nil
		}
		return "", false, fmt.Errorf("fork request rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))

	case resp.StatusCode >= 500:
		return "", true, fmt.Errorf("fork request failed with status %d", resp.StatusCode)

	default:
		return "", false, fmt.Errorf("fork request failed with status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

// viewerLogin resolves the login of the account behind the token.
func (c *ForkClient) viewerLogin(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.apiBase+"/user", nil)
	if err != nil {
		return "", fmt.Errorf("failed to create user request: %w", err)
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("user request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("user request failed with status %d", resp.StatusCode)
	}

	var user struct {
		Login string `json:"login"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&user); err != nil {
		return "", fmt.Errorf("failed to decode user response: %w", err)
	}
	if user.Login == "" {
		return "", fmt.Errorf("user response missing login")
	}
	return user.Login, nil
}

func (c *ForkClient) setHeaders(req *http.Request) {
	req.Header.Set("Accept", "application/vnd.github+json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}
