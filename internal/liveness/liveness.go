// Package liveness implements the optional "test" operation's upstream
// reachability probes (spec §6). These are used only to set an account's
// hasAccess tri-state; they are never consulted by selection logic itself.
package liveness

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"time"
)

// These header values mirror what the Antigravity desktop client emits for
// the same upstream; changing them risks the probe being rejected as a
// malformed client rather than correctly reporting reachability.
const (
	userAgent      = "antigravity/1.11.5 windows/amd64"
	clientMetadata = "ideType=IDE_UNSPECIFIED,platform=PLATFORM_UNSPECIFIED,pluginType=GEMINI"
	googAPIClient  = "gl-node/22.17.0"
)

const (
	geminiProbeURL = "https://cloudcode-pa.googleapis.com/v1internal:loadCodeAssist"
	claudeProbeURL = "https://daily-cloudcode-pa.sandbox.googleapis.com/v1internal:generateContent"
)

// Result classifies an account's reachability after both probes.
type Result int

const (
	ResultValid Result = iota
	ResultInvalid
	ResultIndeterminate
)

// Prober runs the two liveness probes against a live access token.
type Prober struct {
	HTTPClient *http.Client
}

func (p *Prober) client() *http.Client {
	if p.HTTPClient != nil {
		return p.HTTPClient
	}
	return http.DefaultClient
}

func (p *Prober) newRequest(ctx context.Context, method, url, accessToken string, body []byte) (*http.Request, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("X-Goog-Api-Client", googAPIClient)
	req.Header.Set("Client-Metadata", clientMetadata)
	req.Header.Set("User-Agent", userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return req, nil
}

// ProbeGemini validates token reachability for the Gemini family via
// loadCodeAssist.
func (p *Prober) ProbeGemini(ctx context.Context, accessToken string) Result {
	req, err := p.newRequest(ctx, http.MethodGet, geminiProbeURL, accessToken, nil)
	if err != nil {
		return ResultIndeterminate
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return ResultIndeterminate
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode == http.StatusOK:
		return ResultValid
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ResultInvalid
	case strings.Contains(string(body), "Invalid Google Cloud Code Assist credentials"):
		return ResultInvalid
	default:
		return ResultIndeterminate
	}
}

// ProbeClaude validates token reachability for the Claude family via a
// trivial sandbox generateContent call. Quota/rate responses are treated
// as valid: the credential works, it is just throttled.
func (p *Prober) ProbeClaude(ctx context.Context, accessToken string) Result {
	body := []byte(`{"model":"claude-haiku-4-5","request":{"contents":[{"role":"user","parts":[{"text":"ping"}]}]}}`)
	req, err := p.newRequest(ctx, http.MethodPost, claudeProbeURL, accessToken, body)
	if err != nil {
		return ResultIndeterminate
	}
	resp, err := p.client().Do(req)
	if err != nil {
		return ResultIndeterminate
	}
	defer resp.Body.Close()
	respBody, _ := io.ReadAll(resp.Body)
	text := string(respBody)

	switch {
	case resp.StatusCode == http.StatusOK:
		return ResultValid
	case strings.Contains(text, "quota") || strings.Contains(text, "rate") || strings.Contains(text, "RESOURCE_EXHAUSTED"):
		return ResultValid
	case strings.Contains(text, "UNAUTHENTICATED") || resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return ResultInvalid
	default:
		return ResultIndeterminate
	}
}

// Test runs both probes with a short per-probe timeout and combines them:
// either probe reporting Invalid wins; otherwise either reporting Valid
// wins; otherwise Indeterminate.
func (p *Prober) Test(ctx context.Context, accessToken string) Result {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	gemini := p.ProbeGemini(ctx, accessToken)
	claude := p.ProbeClaude(ctx, accessToken)

	if gemini == ResultInvalid || claude == ResultInvalid {
		return ResultInvalid
	}
	if gemini == ResultValid || claude == ResultValid {
		return ResultValid
	}
	return ResultIndeterminate
}
