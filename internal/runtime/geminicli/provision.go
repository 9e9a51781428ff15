package geminicli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/router-for-me/gemini-oauth-proxy/internal/misc"
	"github.com/router-for-me/gemini-oauth-proxy/internal/util"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

const (
	defaultTierID        = "free-tier"
	defaultPollAttempts  = 5
	defaultPollInterval  = 3 * time.Second
	provisionCallTimeout = 30 * time.Second
	errorPreviewLimit    = 200
)

// Provisioner obtains a project id for an account.
type Provisioner interface {
	Provision(ctx context.Context, accessToken string) (string, error)
}

// CodeAssistOptions configures a CodeAssistProvisioner.
type CodeAssistOptions struct {
	BaseURL      string
	HTTPClient   *http.Client
	PollAttempts int
	PollInterval time.Duration
}

// CodeAssistProvisioner discovers or onboards the managed project through the
// Code Assist loadCodeAssist and onboardUser operations.
type CodeAssistProvisioner struct {
	baseURL      string
	httpClient   *http.Client
	pollAttempts int
	pollInterval time.Duration
}

// NewCodeAssistProvisioner builds a provisioner against the Code Assist base URL.
func NewCodeAssistProvisioner(opts CodeAssistOptions) *CodeAssistProvisioner {
	p := &CodeAssistProvisioner{
		baseURL:      strings.TrimRight(opts.BaseURL, "/"),
		httpClient:   opts.HTTPClient,
		pollAttempts: opts.PollAttempts,
		pollInterval: opts.PollInterval,
	}
	if p.httpClient == nil {
		p.httpClient = http.DefaultClient
	}
	if p.pollAttempts <= 0 {
		p.pollAttempts = defaultPollAttempts
	}
	if p.pollInterval <= 0 {
		p.pollInterval = defaultPollInterval
	}
	return p
}

func clientMetadata() map[string]string {
	return map[string]string{
		"ideType":    "IDE_UNSPECIFIED",
		"platform":   "PLATFORM_UNSPECIFIED",
		"pluginType": "GEMINI",
	}
}

// Provision returns the account's existing project or onboards a new one.
func (p *CodeAssistProvisioner) Provision(ctx context.Context, accessToken string) (string, error) {
	projectID, tierID, err := p.LoadCodeAssist(ctx, accessToken)
	if err != nil {
		return "", err
	}
	if projectID != "" {
		log.WithField("project", projectID).Info("found existing Code Assist project")
		return projectID, nil
	}
	return p.OnboardUser(ctx, accessToken, tierID)
}

// LoadCodeAssist returns the bound project, if any, and the default tier for onboarding.
func (p *CodeAssistProvisioner) LoadCodeAssist(ctx context.Context, accessToken string) (projectID, tierID string, err error) {
	body, errMarshal := json.Marshal(map[string]any{"metadata": clientMetadata()})
	if errMarshal != nil {
		return "", "", fmt.Errorf("marshal request body: %w", errMarshal)
	}
	status, respBody, errCall := p.call(ctx, "loadCodeAssist", accessToken, body)
	if errCall != nil {
		return "", "", errCall
	}
	if status < http.StatusOK || status >= http.StatusMultipleChoices {
		return "", "", fmt.Errorf("loadCodeAssist failed with status %d: %s", status, preview(respBody))
	}

	root := gjson.ParseBytes(respBody)
	projectID = projectFrom(root.Get("cloudaicompanionProject"))

	tierID = defaultTierID
	for _, tier := range root.Get("allowedTiers").Array() {
		if tier.Get("isDefault").Bool() {
			if id := strings.TrimSpace(tier.Get("id").String()); id != "" {
				tierID = id
				break
			}
		}
	}
	return projectID, tierID, nil
}

// OnboardUser polls onboardUser until the long-running operation reports done.
func (p *CodeAssistProvisioner) OnboardUser(ctx context.Context, accessToken, tierID string) (string, error) {
	log.Infof("onboarding Code Assist user with tier %s", tierID)
	body, errMarshal := json.Marshal(map[string]any{
		"tierId":   tierID,
		"metadata": clientMetadata(),
	})
	if errMarshal != nil {
		return "", fmt.Errorf("marshal request body: %w", errMarshal)
	}

	for attempt := 1; attempt <= p.pollAttempts; attempt++ {
		log.WithField("attempt", attempt).Debugf("onboardUser poll %d/%d", attempt, p.pollAttempts)
		status, respBody, errCall := p.call(ctx, "onboardUser", accessToken, body)
		if errCall != nil {
			return "", errCall
		}
		if status != http.StatusOK {
			return "", fmt.Errorf("onboardUser failed with status %d: %s", status, preview(respBody))
		}

		root := gjson.ParseBytes(respBody)
		if root.Get("done").Bool() {
			if projectID := projectFrom(root.Get("response.cloudaicompanionProject")); projectID != "" {
				log.WithField("project", projectID).Info("provisioned Code Assist project")
				return projectID, nil
			}
			return "", fmt.Errorf("onboardUser completed without a project id")
		}

		if attempt == p.pollAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-time.After(p.pollInterval):
		}
	}
	return "", fmt.Errorf("onboardUser did not complete after %d attempts; set GOOGLE_CLOUD_PROJECT to use an existing project", p.pollAttempts)
}

func (p *CodeAssistProvisioner) call(ctx context.Context, method, accessToken string, body []byte) (int, []byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, provisionCallTimeout)
	defer cancel()

	endpointURL := fmt.Sprintf("%s/v1internal:%s", p.baseURL, method)
	req, errRequest := http.NewRequestWithContext(reqCtx, http.MethodPost, endpointURL, strings.NewReader(string(body)))
	if errRequest != nil {
		return 0, nil, fmt.Errorf("create request: %w", errRequest)
	}
	misc.ApplyCodeAssistHeaders(req.Header, accessToken, false)

	resp, errDo := p.httpClient.Do(req)
	if errDo != nil {
		return 0, nil, fmt.Errorf("%s request: %w", method, errDo)
	}
	defer func() {
		if errClose := resp.Body.Close(); errClose != nil {
			log.Errorf("%s: close body error: %v", method, errClose)
		}
	}()
	respBody, errRead := io.ReadAll(resp.Body)
	if errRead != nil {
		return 0, nil, fmt.Errorf("read %s response: %w", method, errRead)
	}
	return resp.StatusCode, respBody, nil
}

// projectFrom accepts both the string and the {id, name} object forms.
func projectFrom(value gjson.Result) string {
	if !value.Exists() {
		return ""
	}
	if value.IsObject() {
		return strings.TrimSpace(value.Get("id").String())
	}
	return strings.TrimSpace(value.String())
}

func preview(body []byte) string {
	return util.TruncateUTF8(strings.TrimSpace(string(body)), errorPreviewLimit)
}
