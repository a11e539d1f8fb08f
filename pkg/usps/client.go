// Package usps is a client for the USPS Addresses 3.0 API with OAuth2
// client-credentials auth and client-side rate limiting.
package usps

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/rotisserie/eris"
	"golang.org/x/time/rate"

	"github.com/sells-group/reconcile-cli/internal/resilience"
)

const defaultBaseURL = "https://apis.usps.com"

// Client standardizes addresses against the USPS API.
type Client interface {
	StandardizeAddress(ctx context.Context, req AddressRequest) (*AddressResponse, error)
}

// AddressRequest is the address to standardize.
type AddressRequest struct {
	StreetAddress    string
	SecondaryAddress string
	City             string
	State            string
	ZIPCode          string
}

// AddressResponse is the standardized address plus delivery-point info.
type AddressResponse struct {
	Address        Address        `json:"address"`
	AdditionalInfo AdditionalInfo `json:"additionalInfo"`
}

// Address is the standardized form USPS returns.
type Address struct {
	StreetAddress    string `json:"streetAddress"`
	SecondaryAddress string `json:"secondaryAddress"`
	City             string `json:"city"`
	State            string `json:"state"`
	ZIPCode          string `json:"ZIPCode"`
	ZIPPlus4         string `json:"ZIPPlus4"`
}

// AdditionalInfo carries delivery-point validation flags. Y/N strings per
// the API.
type AdditionalInfo struct {
	DPVConfirmation string `json:"DPVConfirmation"`
	Business        string `json:"business"`
	Vacant          string `json:"vacant"`
}

// Deliverable reports whether delivery-point validation confirmed the
// address.
func (r *AddressResponse) Deliverable() bool {
	return r.AdditionalInfo.DPVConfirmation == "Y" || r.AdditionalInfo.DPVConfirmation == "D"
}

// IsBusiness reports the USPS business flag.
func (r *AddressResponse) IsBusiness() bool { return r.AdditionalInfo.Business == "Y" }

// IsVacant reports the USPS vacancy flag.
func (r *AddressResponse) IsVacant() bool { return r.AdditionalInfo.Vacant == "Y" }

// ZIP returns the full postal code including the +4 when present.
func (r *AddressResponse) ZIP() string {
	if r.Address.ZIPPlus4 != "" {
		return r.Address.ZIPCode + "-" + r.Address.ZIPPlus4
	}
	return r.Address.ZIPCode
}

// Option configures the client.
type Option func(*httpClient)

// WithBaseURL overrides the default API base URL.
func WithBaseURL(url string) Option {
	return func(c *httpClient) {
		c.baseURL = url
	}
}

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *httpClient) {
		c.http = hc
	}
}

// WithRateLimit overrides the default requests-per-second cap.
func WithRateLimit(perSec float64) Option {
	return func(c *httpClient) {
		c.limiter = rate.NewLimiter(rate.Limit(perSec), 1)
	}
}

// WithRetryPolicy overrides the retry behavior for API calls.
func WithRetryPolicy(p resilience.Policy) Option {
	return func(c *httpClient) {
		c.retry = p
	}
}

type httpClient struct {
	clientID     string
	clientSecret string
	baseURL      string
	http         *http.Client
	limiter      *rate.Limiter
	retry        resilience.Policy

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewClient creates a USPS API client.
func NewClient(clientID, clientSecret string, opts ...Option) Client {
	c := &httpClient{
		clientID:     clientID,
		clientSecret: clientSecret,
		baseURL:      defaultBaseURL,
		limiter:      rate.NewLimiter(rate.Limit(10), 1),
		retry:        resilience.DefaultPolicy(),
		http: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConnsPerHost: 20,
				IdleConnTimeout:     90 * time.Second,
			},
		},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// token returns a cached access token, refreshing it when within a minute
// of expiry.
func (c *httpClient) token(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.accessToken != "" && time.Until(c.tokenExpiry) > time.Minute {
		return c.accessToken, nil
	}

	body, err := json.Marshal(map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     c.clientID,
		"client_secret": c.clientSecret,
	})
	if err != nil {
		return "", eris.Wrap(err, "usps: marshal token request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/oauth2/v3/token", strings.NewReader(string(body)))
	if err != nil {
		return "", eris.Wrap(err, "usps: create token request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", eris.Wrap(err, "usps: send token request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", eris.Wrap(err, "usps: read token response")
	}
	if resp.StatusCode != http.StatusOK {
		return "", eris.Errorf("usps: token status %d: %s", resp.StatusCode, string(respBody))
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.Unmarshal(respBody, &tok); err != nil {
		return "", eris.Wrap(err, "usps: unmarshal token response")
	}

	c.accessToken = tok.AccessToken
	c.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn) * time.Second)
	return c.accessToken, nil
}

// StandardizeAddress calls the Addresses API, retrying rate-limit and
// upstream 5xx responses.
func (c *httpClient) StandardizeAddress(ctx context.Context, req AddressRequest) (*AddressResponse, error) {
	return resilience.Do(ctx, c.retry, func(ctx context.Context) (*AddressResponse, error) {
		return c.standardizeOnce(ctx, req)
	})
}

func (c *httpClient) standardizeOnce(ctx context.Context, req AddressRequest) (*AddressResponse, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "usps: rate limit wait")
	}

	token, err := c.token(ctx)
	if err != nil {
		return nil, err
	}

	q := url.Values{}
	q.Set("streetAddress", req.StreetAddress)
	if req.SecondaryAddress != "" {
		q.Set("secondaryAddress", req.SecondaryAddress)
	}
	q.Set("city", req.City)
	q.Set("state", req.State)
	if req.ZIPCode != "" {
		q.Set("ZIPCode", req.ZIPCode)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/addresses/v3/address?"+q.Encode(), nil)
	if err != nil {
		return nil, eris.Wrap(err, "usps: create request")
	}
	httpReq.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, eris.Wrap(err, "usps: send request")
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, eris.Wrap(err, "usps: read response")
	}
	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, resilience.Transient(
			eris.Errorf("usps: status %d: %s", resp.StatusCode, string(respBody)),
			resp.StatusCode)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, eris.Errorf("usps: unexpected status %d: %s", resp.StatusCode, string(respBody))
	}

	var result AddressResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, eris.Wrap(err, "usps: unmarshal response")
	}
	return &result, nil
}
