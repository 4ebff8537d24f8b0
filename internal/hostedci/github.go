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
	Register("github", newGitHubClient)
}

// GitHubClient talks to the GitHub Actions self-hosted-runner REST API
// for one organization.
type GitHubClient struct {
	baseURL string
	org     string
	token   string
	http    *http.Client
	log     *logrus.Logger
}

func newGitHubClient(settings map[string]any, log *logrus.Logger) (HostedCiClient, error) {
	org, _ := settings["organization"].(string)
	token, _ := settings["accessToken"].(string)
	if org == "" {
		return nil, fmt.Errorf("hostedci/github: \"organization\" is required")
	}
	if token == "" {
		return nil, fmt.Errorf("hostedci/github: \"accessToken\" is required")
	}
	baseURL, _ := settings["baseURL"].(string)
	if baseURL == "" {
		baseURL = "https://api.github.com"
	}

	return &GitHubClient{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		org:     org,
		token:   token,
		http:    &http.Client{Timeout: 30 * time.Second},
		log:     log,
	}, nil
}

type githubRunnerLabel struct {
	Name string `json:"name"`
}

type githubRunner struct {
	ID     int                 `json:"id"`
	Name   string              `json:"name"`
	Status string              `json:"status"`
	Busy   bool                `json:"busy"`
	Labels []githubRunnerLabel `json:"labels"`
}

type githubListRunnersResponse struct {
	Runners []githubRunner `json:"runners"`
}

type githubDownload struct {
	OS           string `json:"os"`
	Architecture string `json:"architecture"`
	DownloadURL  string `json:"download_url"`
}

type githubRegistrationToken struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

func (c *GitHubClient) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("hostedci/github: build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "application/vnd.github+json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("hostedci/github: %s %s: %w", method, path, err)
	}
	return resp, nil
}

func (c *GitHubClient) DownloadLink(ctx context.Context, arch string) (string, error) {
	path := fmt.Sprintf("/orgs/%s/actions/runners/downloads", c.org)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return "", apierror.New("download_link", resp.StatusCode, fmt.Errorf("%s", body))
	}

	var downloads []githubDownload
	if err := json.Unmarshal(body, &downloads); err != nil {
		return "", fmt.Errorf("hostedci/github: decode downloads: %w", err)
	}

	for _, d := range downloads {
		if d.OS == "linux" && d.Architecture == arch {
			return d.DownloadURL, nil
		}
	}
	return "", fmt.Errorf("hostedci/github: no linux/%s runner download found", arch)
}

func (c *GitHubClient) MintRegistrationToken(ctx context.Context) (string, error) {
	path := fmt.Sprintf("/orgs/%s/actions/runners/registration-token", c.org)
	resp, err := c.do(ctx, http.MethodPost, path, nil)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", apierror.New("mint_registration_token", resp.StatusCode, fmt.Errorf("%s", body))
	}

	var tok githubRegistrationToken
	if err := json.Unmarshal(body, &tok); err != nil {
		return "", fmt.Errorf("hostedci/github: decode token: %w", err)
	}
	return tok.Token, nil
}

func (c *GitHubClient) ListRunners(ctx context.Context) ([]runner.Observation, error) {
	path := fmt.Sprintf("/orgs/%s/actions/runners", c.org)
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, apierror.New("list_runners", resp.StatusCode, fmt.Errorf("%s", body))
	}

	var listResp githubListRunnersResponse
	if err := json.Unmarshal(body, &listResp); err != nil {
		return nil, fmt.Errorf("hostedci/github: decode runners: %w", err)
	}

	obs := make([]runner.Observation, 0, len(listResp.Runners))
	for _, gr := range listResp.Runners {
		labels := make([]string, len(gr.Labels))
		for i, l := range gr.Labels {
			labels[i] = l.Name
		}
		status := "offline"
		if gr.Status == "online" {
			status = "online"
		}
		obs = append(obs, runner.Observation{
			Name:   gr.Name,
			ID:     gr.ID,
			Status: status,
			Busy:   gr.Busy,
			Labels: labels,
		})
	}
	return obs, nil
}

func (c *GitHubClient) ForceDelete(ctx context.Context, actionID int) error {
	path := fmt.Sprintf("/orgs/%s/actions/runners/%d", c.org, actionID)
	resp, err := c.do(ctx, http.MethodDelete, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}
	if resp.StatusCode != http.StatusNoContent {
		body, _ := io.ReadAll(resp.Body)
		return apierror.New("force_delete", resp.StatusCode, fmt.Errorf("%s", body))
	}
	return nil
}
