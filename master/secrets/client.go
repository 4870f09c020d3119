// Package secrets implements the client side of the secrets service: key/value retrieval by
// owner id, plus the maintenance actions for adding and removing secrets.
package secrets

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/httpclient"
)

// Config configures how the secrets client reaches the secrets service, bound from the
// SECRETS_HOST/PORT/USES_SSL/VALIDATE_CERT_SECRETS/SECRETS_TOKEN configuration keys.
type Config struct {
	Host         string
	Port         int
	UseSSL       bool
	ValidateCert bool
	Token        string
}

func (c Config) baseURL() string {
	scheme := "http"
	if c.UseSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s:%d", scheme, c.Host, c.Port)
}

// Client talks to the secrets service over HTTP, retrying transient failures.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  logger.Log
}

func NewClient(cfg Config, logFactory logger.LogFactory) *Client {
	log := logFactory("secrets")
	return &Client{cfg: cfg, http: httpclient.New(log), log: log}
}

// AddOrUpdateSecret creates or overwrites the value stored under key for owner.
func (c *Client) AddOrUpdateSecret(ctx context.Context, owner, key, value string) error {
	_, err := c.do(ctx, http.MethodPost, "add-or-update-secret", map[string]interface{}{
		"owner": owner,
		"key":   key,
		"value": value,
	})
	return err
}

// RemoveSecret deletes the value stored under key for owner, if any.
func (c *Client) RemoveSecret(ctx context.Context, owner, key string) error {
	_, err := c.do(ctx, http.MethodPost, "remove-secret", map[string]interface{}{
		"owner": owner,
		"key":   key,
	})
	return err
}

// GetSecrets returns every key/value pair visible to any of owners, the operation
// BuildExecuter's envvar resolution depends on.
func (c *Client) GetSecrets(ctx context.Context, owners []string) (map[string]string, error) {
	respBody, err := c.do(ctx, http.MethodPost, "get-secrets", map[string]interface{}{
		"owners": owners,
	})
	if err != nil {
		return nil, err
	}
	var out map[string]string
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, gerror.NewErrClientProtocol("error decoding get-secrets response", err)
	}
	return out, nil
}

// RemoveAll deletes every secret stored for owner.
func (c *Client) RemoveAll(ctx context.Context, owner string) error {
	_, err := c.do(ctx, http.MethodPost, "remove-all", map[string]interface{}{
		"owner": owner,
	})
	return err
}

func (c *Client) do(ctx context.Context, method, action string, body interface{}) ([]byte, error) {
	buf, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("error marshaling %s request: %w", action, err)
	}
	req, err := retryablehttp.NewRequestWithContext(ctx, method, c.cfg.baseURL()+"/"+action, bytes.NewReader(buf))
	if err != nil {
		return nil, fmt.Errorf("error building %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	authHeader, err := httpclient.AuthHeader(c.cfg.Token, "secrets")
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", authHeader)

	res, err := c.http.Do(req)
	if err != nil {
		return nil, gerror.NewErrClientProtocol(fmt.Sprintf("error performing %s request", action), err)
	}
	defer res.Body.Close()
	respBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading %s response: %w", action, err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, gerror.NewErrClientProtocol(
			fmt.Sprintf("error %s request failed with status %d: %s", action, res.StatusCode, string(respBody)), nil)
	}
	return respBody, nil
}
