package hostedci

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/opsloop/runnerpool/internal/apierror"
	"github.com/opsloop/runnerpool/internal/runner"
)

func init() {
	Register("gitea", newGiteaClient)
}

// GiteaClient talks to a Gitea instance's Actions runner API, scoped to
// an org, a repo, or the whole instance.
type GiteaClient struct {
	instanceURL string
	apiToken    string
	scope       string // "org" | "repo" | "instance"
	owner       string
	repo        string
	http        *http.Client
	log         *logrus.Logger
}

func newGiteaClient(settings map[string]any, log *logrus.Logger) (HostedCiClient, error) {
	instanceURL, _ := settings["instanceURL"].(string)
	apiToken, _ := settings["accessToken"].(string)
	if instanceURL == "" {
		return nil, fmt.Errorf("hostedci/gitea: \"instanceURL\" is required")
	}
	if apiToken == "" {
		return nil, fmt.Errorf("hostedci/gitea: \"accessToken\" is required")
	}

	scope, _ := settings["scope"].(string)
	if scope == "" {
		scope = "instance"
	}
	owner, _ := settings["owner"].(string)
	repo, _ := settings["repo"].(string)

	return &GiteaClient{
		instanceURL: strings.TrimSuffix(instanceURL, "/"),
		apiToken:    apiToken,
		scope:       scope,
		owner:       owner,
		repo:        repo,
		http:        &http.Client{Timeout: 30 * time.Second},
		log:         log,
	}, nil
}

type giteaRegistrationToken struct {
	Token string `json:"token"`
}

type giteaRunner struct {
	ID     int64    `json:"id"`
	Name   string   `json:"name"`
	Status string   `json:"status"`
	Busy   bool     `json:"busy"`
	Labels []string `json:"labels"`
}

func (c *GiteaClient) registrationTokenEndpoint() string {
	switch c.scope {
	case "org":
		return fmt.Sprintf("%s/api/v1/orgs/%s/actions/runners/registration-token", c.instanceURL, c.owner)
	case "repo":
		return fmt.Sprintf("%s/api/v1/repos/%s/%s/actions/runners/registration-token", c.instanceURL, c.owner, c.repo)
	default:
		return fmt.Sprintf("%s/api/v1/admin/runners/registration-token", c.instanceURL)
	}
}

func (c *GiteaClient) runnersListEndpoint() string {
	switch c.scope {
	case "org":
		return fmt.Sprintf("%s/api/v1/orgs/%s/actions/runners", c.instanceURL, c.owner)
	case "repo":
		return fmt.Sprintf("%s/api/v1/repos/%s/%s/actions/runners", c.instanceURL, c.owner, c.repo)
	default:
		return fmt.Sprintf("%s/api/v1/admin/runners", c.instanceURL)
	}
}

func (c *GiteaClient) runnerEndpoint(runnerID int64) string {
	switch c.scope {
	case "org":
		return fmt.Sprintf("%s/api/v1/orgs/%s/actions/runners/%d", c.instanceURL, c.owner, runnerID)
	case "repo":
		return fmt.Sprintf("%s/api/v1/repos/%s/%s/actions/runners/%d", c.instanceURL, c.owner, c.repo, runnerID)
	default:
		return fmt.Sprintf("%s/api/v1/admin/runners/%d", c.instanceURL, runnerID)
	}
}

func (c *GiteaClient) do(ctx context.Context, method, endpoint string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("hostedci/gitea: build request: %w", err)
	}
	req.Header.Set("Authorization", "token "+c.apiToken)
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hostedci/gitea: %s %s: %w", method, endpoint, err)
	}
	return resp, nil
}

// DownloadLink is unsupported by the Gitea Actions API, which delegates
// installer distribution to act_runner's own release channel; the
// caller is expected to bake the installer into the VM image instead.
func (c *GiteaClient) DownloadLink(_ context.Context, arch string) (string, error) {
	return "", fmt.Errorf("hostedci/gitea: no API-provided download link for arch %s; bake act_runner into the image", arch)
}

func (c *GiteaClient) MintRegistrationToken(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, c.registrationTokenEndpoint())
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", apierror.New("mint_registration_token", resp.StatusCode, fmt.Errorf("%s", body))
	}

	var tok giteaRegistrationToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("hostedci/gitea: decode token: %w", err)
	}
	if tok.Token == "" {
		return "", fmt.Errorf("hostedci/gitea: empty registration token received")
	}
	return tok.Token, nil
}

func (c *GiteaClient) ListRunners(ctx context.Context) ([]runner.Observation, error) {
	resp, err := c.do(ctx, http.MethodGet, c.runnersListEndpoint())
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New("list_runners", resp.StatusCode, fmt.Errorf("%s", body))
	}

	var runners []giteaRunner
	if err := json.Unmarshal(body, &runners); err != nil {
		return nil, fmt.Errorf("hostedci/gitea: decode runners: %w", err)
	}

	obs := make([]runner.Observation, 0, len(runners))
	for _, gr := range runners {
		status := "offline"
		if gr.Status == "online" || gr.Status == "idle" || gr.Status == "active" {
			status = "online"
		}
		obs = append(obs, runner.Observation{
			Name:   gr.Name,
			ID:     int(gr.ID),
			Status: status,
			Busy:   gr.Busy,
			Labels: gr.Labels,
		})
	}
	return obs, nil
}

func (c *GiteaClient) ForceDelete(ctx context.Context, actionID int) error {
	endpoint := c.runnerEndpoint(int64(actionID))
	resp, err := c.do(ctx, http.MethodDelete, endpoint)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return apierror.New("force_delete", resp.StatusCode, fmt.Errorf("%s", body))
	}
	return nil
}
