// Package cluster talks to the remote OpenSearch domain: credential and
// endpoint discovery through the AWS control plane, and the signed bulk
// no-op ping the reachability prober uses.
package cluster

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	v4 "github.com/aws/aws-sdk-go-v2/aws/signer/v4"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/opensearch"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	retryablehttp "github.com/hashicorp/go-retryablehttp"
	"github.com/rs/zerolog/log"

	"github.com/edgesoc/ids2-agent/internal/config"
)

// signingService is the SigV4 service name for managed OpenSearch domains.
const signingService = "es"

// Client holds the AWS session equivalent: resolved credentials for the
// configured profile plus the service clients built from them.
type Client struct {
	cfg      *config.Config
	awsCfg   aws.Config
	os       *opensearch.Client
	sts      *sts.Client
	signer   *v4.Signer
	httpc    *retryablehttp.Client
	endpoint string
}

// New resolves the shared AWS config for the configured profile and region.
// No network traffic happens here; credentials are exercised by
// VerifyCredentials.
func New(ctx context.Context, cfg *config.Config) (*Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
	}
	if cfg.Profile != "" {
		opts = append(opts, awsconfig.WithSharedConfigProfile(cfg.Profile))
	}
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config (profile %q): %w", cfg.Profile, err)
	}

	// One ping per attempt; the retry schedule is the prober's probe
	// policy expressed as an HTTP client.
	httpc := retryablehttp.NewClient()
	httpc.RetryMax = cfg.RetryAttempts - 1
	httpc.RetryWaitMin = cfg.RetryBase
	httpc.RetryWaitMax = cfg.RetryCap
	httpc.HTTPClient.Timeout = cfg.BulkTimeout
	httpc.Logger = nil

	return &Client{
		cfg:      cfg,
		awsCfg:   awsCfg,
		os:       opensearch.NewFromConfig(awsCfg),
		sts:      sts.NewFromConfig(awsCfg),
		signer:   v4.NewSigner(),
		httpc:    httpc,
		endpoint: cfg.Endpoint,
	}, nil
}

// Endpoint returns the resolved cluster endpoint, or "" before phase A.
func (c *Client) Endpoint() string { return c.endpoint }

// SetEndpoint overrides the endpoint (tests, pre-resolved configs).
func (c *Client) SetEndpoint(e string) { c.endpoint = e }

// Host returns the endpoint's bare hostname for DNS and TLS probes.
func (c *Client) Host() string {
	h := strings.TrimPrefix(strings.TrimPrefix(c.endpoint, "https://"), "http://")
	if i := strings.IndexByte(h, '/'); i >= 0 {
		h = h[:i]
	}
	return h
}

// VerifyCredentials asks STS who we are. Any answer means the credential
// profile resolves to something usable.
func (c *Client) VerifyCredentials(ctx context.Context) error {
	out, err := c.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return fmt.Errorf("sts get-caller-identity: %w", err)
	}
	log.Info().
		Str("account", aws.ToString(out.Account)).
		Str("arn", aws.ToString(out.Arn)).
		Msg("aws credentials verified")
	return nil
}

// ResolveEndpoint queries the domain's metadata and caches the HTTPS
// endpoint. A domain that is deleted, still processing, or endpoint-less
// is an error; bring-up cannot proceed without an endpoint.
func (c *Client) ResolveEndpoint(ctx context.Context) (string, error) {
	if c.cfg.Domain == "" {
		if c.endpoint == "" {
			return "", fmt.Errorf("no cluster domain or endpoint configured")
		}
		return c.endpoint, nil
	}
	out, err := c.os.DescribeDomain(ctx, &opensearch.DescribeDomainInput{
		DomainName: aws.String(c.cfg.Domain),
	})
	if err != nil {
		return "", fmt.Errorf("describe domain %q: %w", c.cfg.Domain, err)
	}
	st := out.DomainStatus
	if st == nil {
		return "", fmt.Errorf("domain %q: empty status", c.cfg.Domain)
	}
	if aws.ToBool(st.Deleted) {
		return "", fmt.Errorf("domain %q is deleted", c.cfg.Domain)
	}
	if aws.ToBool(st.Processing) {
		return "", fmt.Errorf("domain %q is still processing", c.cfg.Domain)
	}
	ep := aws.ToString(st.Endpoint)
	if ep == "" {
		return "", fmt.Errorf("domain %q has no endpoint yet", c.cfg.Domain)
	}
	c.endpoint = "https://" + ep
	log.Info().Str("domain", c.cfg.Domain).Str("endpoint", c.endpoint).Msg("cluster endpoint resolved")
	return c.endpoint, nil
}

// pingBody is the near-no-op bulk payload: a single document into the
// connectivity sentinel index.
func (c *Client) pingBody() []byte {
	index := c.cfg.IndexPrefix + "-conncheck"
	return []byte(fmt.Sprintf(
		"{\"index\":{\"_index\":%q}}\n{\"event\":{\"kind\":\"noop\"},\"agent\":{\"type\":\"ids2-agent\"}}\n",
		index))
}

// Ping sends the signed bulk no-op to the cluster's _bulk path and reports
// round-trip latency. Success is any 2xx. Retries (transport errors, 429,
// 5xx) follow the configured schedule inside the HTTP client.
func (c *Client) Ping(ctx context.Context) (float64, error) {
	if c.endpoint == "" {
		return 0, fmt.Errorf("cluster endpoint not resolved")
	}
	body := c.pingBody()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+"/_bulk", bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	creds, err := c.awsCfg.Credentials.Retrieve(ctx)
	if err != nil {
		return 0, fmt.Errorf("retrieve credentials: %w", err)
	}
	sum := sha256.Sum256(body)
	if err := c.signer.SignHTTP(ctx, creds, req.Request, hex.EncodeToString(sum[:]),
		signingService, c.awsCfg.Region, time.Now()); err != nil {
		return 0, fmt.Errorf("sign bulk ping: %w", err)
	}

	start := time.Now()
	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, fmt.Errorf("bulk ping: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))

	latency := float64(time.Since(start).Milliseconds())
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return latency, fmt.Errorf("bulk ping: http %d", resp.StatusCode)
	}
	return latency, nil
}
