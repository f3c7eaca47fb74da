// Package linkedin is a thin client for the UGC posts API. It creates
// shares and classifies failures so the publisher can tell a retryable
// outage from a dead credential.
package linkedin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"

	"autopost/internal"
)

const (
	DefaultBaseURL = "https://api.linkedin.com/v2"

	restliHeader  = "X-Restli-Protocol-Version"
	restliVersion = "2.0.0"
	// Response header carrying the created share's URN.
	restliIDHeader = "X-RestLi-Id"
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("linkedin api: status %d: %s", e.StatusCode, e.Body)
}

// Retryable reports whether the same request may succeed later.
// Rate limiting and server-side failures qualify; everything the caller
// can't change by waiting does not.
func (e *APIError) Retryable() bool {
	return e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500
}

// Auth reports a permanently dead credential.
func (e *APIError) Auth() bool {
	return e.StatusCode == http.StatusUnauthorized || e.StatusCode == http.StatusForbidden
}

// Retryable classifies any publish error. Transport errors (timeouts,
// connection resets) are retryable; API errors delegate to the status.
func Retryable(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Retryable()
	}
	return err != nil
}

// IsAuthError reports whether err is a permanent credential failure.
func IsAuthError(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.Auth()
	}
	return false
}

// Client talks to the UGC posts API.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *log.Logger
}

func NewClient(baseURL string, timeout time.Duration, logger *log.Logger) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if logger == nil {
		logger = internal.NewLogger("linkedin")
	}
	return &Client{
		baseURL: baseURL,
		http:    &http.Client{Timeout: timeout},
		logger:  logger,
	}
}

type shareRequest struct {
	Author          string          `json:"author"`
	LifecycleState  string          `json:"lifecycleState"`
	SpecificContent specificContent `json:"specificContent"`
	Visibility      visibility      `json:"visibility"`
}

type specificContent struct {
	ShareContent shareContent `json:"com.linkedin.ugc.ShareContent"`
}

type shareContent struct {
	ShareCommentary    commentary `json:"shareCommentary"`
	ShareMediaCategory string     `json:"shareMediaCategory"`
}

type commentary struct {
	Text string `json:"text"`
}

type visibility struct {
	MemberNetwork string `json:"com.linkedin.ugc.MemberNetworkVisibility"`
}

type shareResponse struct {
	ID string `json:"id"`
}

// CreatePost publishes text as a public share for the member and returns
// the created share URN.
func (c *Client) CreatePost(ctx context.Context, accessToken, personID, text string) (string, error) {
	body, err := json.Marshal(shareRequest{
		Author:         "urn:li:person:" + personID,
		LifecycleState: "PUBLISHED",
		SpecificContent: specificContent{
			ShareContent: shareContent{
				ShareCommentary:    commentary{Text: text},
				ShareMediaCategory: "NONE",
			},
		},
		Visibility: visibility{MemberNetwork: "PUBLIC"},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ugcPosts", bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(restliHeader, restliVersion)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("ugcPosts request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}

	if urn := resp.Header.Get(restliIDHeader); urn != "" {
		return urn, nil
	}
	var parsed shareResponse
	if err := json.Unmarshal(raw, &parsed); err == nil && parsed.ID != "" {
		return parsed.ID, nil
	}
	c.logger.Printf("share created but response carried no id (status %d)", resp.StatusCode)
	return "", nil
}

type profileResponse struct {
	Sub string `json:"sub"`
}

// Profile resolves the member ID behind an access token via the OIDC
// userinfo endpoint.
func (c *Client) Profile(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/userinfo", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
	if resp.StatusCode != http.StatusOK {
		return "", &APIError{StatusCode: resp.StatusCode, Body: string(raw)}
	}
	var parsed profileResponse
	if err := json.Unmarshal(raw, &parsed); err != nil {
		return "", err
	}
	if parsed.Sub == "" {
		return "", fmt.Errorf("userinfo response missing subject")
	}
	return parsed.Sub, nil
}
