// Package poller implements the client side of the poller service's poll action: a
// request/response exchange that reports the revisions discovered for a repository since it was
// last polled, feeding BuildManager.AddBuilds.
package poller

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
	"github.com/toxicbuild/master/common/models"
	"github.com/toxicbuild/master/master/httpclient"
)

// Config configures how the poller client reaches the poller service, bound from the
// POLLER_HOST/PORT/USES_SSL/VALIDATE_CERT_POLLER/POLLER_TOKEN configuration keys.
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

// Request is the body of one poll request.
type Request struct {
	RepoID        models.RepoID     `json:"repo_id"`
	URL           string            `json:"url"`
	VCSType       string            `json:"vcs_type"`
	KnownBranches []string          `json:"known_branches"`
	// Since maps a known branch name to the wire-formatted timestamp of the last commit this
	// master has already seen on it, so the poller only reports commits after that point.
	Since        map[string]string         `json:"since"`
	BranchesConf map[string]interface{}    `json:"branches_conf,omitempty"`
	External     *models.ExternalResourceID `json:"external,omitempty"`
	ConfFile     string                     `json:"conffile"`
}

// Response is the body returned by a poll request: the batch of revisions discovered.
type Response struct {
	Revisions []models.Revision `json:"revisions"`
}

// Client talks to the poller service over HTTP, retrying transient failures.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  logger.Log
}

// NewClient builds a poller Client named after the owning subsystem.
func NewClient(cfg Config, logFactory logger.LogFactory) *Client {
	log := logFactory("poller")
	return &Client{cfg: cfg, http: httpclient.New(log), log: log}
}

// PollRepo asks the poller service for every revision discovered on repo since the branch
// cursors in req.Since.
func (c *Client) PollRepo(ctx context.Context, req Request) (*Response, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("error marshaling poll request: %w", err)
	}
	httpReq, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, c.cfg.baseURL()+"/poll", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("error building poll request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	authHeader, err := httpclient.AuthHeader(c.cfg.Token, "poller")
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Authorization", authHeader)

	res, err := c.http.Do(httpReq)
	if err != nil {
		return nil, gerror.NewErrClientProtocol("error polling repository", err)
	}
	defer res.Body.Close()
	respBody, err := ioutil.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("error reading poll response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return nil, gerror.NewErrClientProtocol(
			fmt.Sprintf("error poll request failed with status %d: %s", res.StatusCode, string(respBody)), nil)
	}
	var out Response
	if err := json.Unmarshal(respBody, &out); err != nil {
		return nil, gerror.NewErrClientProtocol("error decoding poll response", err)
	}
	return &out, nil
}
