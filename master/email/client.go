// Package email posts notification emails through the notifications API: a single HTTP POST
// used to tell recipients a build finished in a status they asked to hear about.
package email

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io/ioutil"
	"net/http"
	"strings"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/toxicbuild/master/common/gerror"
	"github.com/toxicbuild/master/common/logger"
	"github.com/toxicbuild/master/master/httpclient"
)

// Config binds the NOTIFICATIONS_API_URL/NOTIFICATIONS_API_TOKEN configuration keys.
type Config struct {
	APIURL   string
	APIToken string
}

// Client posts notification emails via the notifications API.
type Client struct {
	cfg  Config
	http *retryablehttp.Client
	log  logger.Log
}

func NewClient(cfg Config, logFactory logger.LogFactory) *Client {
	log := logFactory("email")
	return &Client{cfg: cfg, http: httpclient.New(log), log: log}
}

type sendEmailRequest struct {
	Recipients []string `json:"recipients"`
	Subject    string   `json:"subject"`
	Message    string   `json:"message"`
}

// Send posts one email to the notifications API send-email endpoint.
func (c *Client) Send(ctx context.Context, recipients []string, subject, message string) error {
	buf, err := json.Marshal(sendEmailRequest{Recipients: recipients, Subject: subject, Message: message})
	if err != nil {
		return fmt.Errorf("error marshaling send-email request: %w", err)
	}
	url := strings.TrimSuffix(c.cfg.APIURL, "/") + "/send-email"
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(buf))
	if err != nil {
		return fmt.Errorf("error building send-email request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "token: "+c.cfg.APIToken)

	res, err := c.http.Do(req)
	if err != nil {
		return gerror.NewErrClientProtocol("error sending email", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		respBody, _ := ioutil.ReadAll(res.Body)
		return gerror.NewErrClientProtocol(
			fmt.Sprintf("error send-email request failed with status %d: %s", res.StatusCode, string(respBody)), nil)
	}
	return nil
}
