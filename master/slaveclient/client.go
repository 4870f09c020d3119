package slaveclient

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net"
	"time"

	"github.com/fatih/structs"

	"github.com/toxicbuild/master/common/gerror"
)

const (
	// DefaultDialTimeout bounds how long a single TCP/TLS handshake is allowed to take.
	DefaultDialTimeout = 10 * time.Second
)

// Config describes how to reach one slave daemon.
type Config struct {
	Host         string
	Port         int
	Token        string
	UseSSL       bool
	ValidateCert bool
	DialTimeout  time.Duration
}

// Client talks the slave daemon's framed-JSON request/response and stream protocol: one
// newline-delimited JSON object per message, over plain TCP or TLS.
type Client struct {
	cfg       Config
	tlsConfig *tls.Config
}

func New(cfg Config) *Client {
	c := &Client{cfg: cfg}
	if cfg.DialTimeout == 0 {
		c.cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.UseSSL {
		c.tlsConfig = &tls.Config{InsecureSkipVerify: !cfg.ValidateCert}
	}
	return c
}

func (c *Client) addr() string {
	return fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)
}

func (c *Client) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: c.cfg.DialTimeout}
	var (
		conn net.Conn
		err  error
	)
	if c.tlsConfig != nil {
		conn, err = tls.DialWithDialer(dialer, "tcp", c.addr(), c.tlsConfig)
	} else {
		conn, err = dialer.DialContext(ctx, "tcp", c.addr())
	}
	if err != nil {
		return nil, fmt.Errorf("error dialing slave %s: %w", c.addr(), err)
	}
	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	return conn, nil
}

func send(conn net.Conn, req request) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("error marshaling request: %w", err)
	}
	data = append(data, '\n')
	_, err = conn.Write(data)
	if err != nil {
		return fmt.Errorf("error writing request: %w", err)
	}
	return nil
}

func readOne(scanner *bufio.Scanner) (response, bool, error) {
	if !scanner.Scan() {
		return response{}, false, scanner.Err()
	}
	line := scanner.Bytes()
	if len(line) == 0 {
		return response{}, true, nil
	}
	var resp response
	err := json.Unmarshal(line, &resp)
	if err != nil {
		return response{}, false, gerror.NewErrClientProtocol("error decoding slave response frame", err)
	}
	return resp, true, nil
}

// Healthcheck performs a single request/response round-trip. An empty reply means the peer is a
// TLS-enabled server contacted in plain mode, or vice-versa.
func (c *Client) Healthcheck(ctx context.Context) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()

	err = send(conn, request{Action: ActionHealthcheck, Token: c.cfg.Token})
	if err != nil {
		return err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	resp, ok, err := readOne(scanner)
	if err != nil {
		return err
	}
	if !ok || resp.isEmpty() {
		return gerror.NewErrClientProtocol("empty healthcheck response: possible TLS/plain protocol mismatch", nil)
	}
	return nil
}

// ListBuilders asks the slave to evaluate the build config for the given revision and return the
// ordered builder names it declares.
func (c *Client) ListBuilders(ctx context.Context, req ListBuildersRequest) ([]string, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	err = send(conn, request{Action: ActionListBuilders, Token: c.cfg.Token, Body: structs.Map(req)})
	if err != nil {
		return nil, err
	}

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
	resp, ok, err := readOne(scanner)
	if err != nil {
		return nil, err
	}
	if !ok || resp.isEmpty() {
		return nil, gerror.NewErrClientProtocol("empty list_builders response", nil)
	}
	data, err := json.Marshal(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("error re-marshaling list_builders body: %w", err)
	}
	var out ListBuildersResponse
	err = json.Unmarshal(data, &out)
	if err != nil {
		return nil, gerror.NewErrClientProtocol("error decoding list_builders body", err)
	}
	return out.Builders, nil
}

// Build opens a streaming build session: it sends the build request then hands back a channel of
// frames, closed when the stream ends. The caller must drain the channel;
// closing ctx early closes the underlying connection and the channel.
func (c *Client) Build(ctx context.Context, req BuildRequest) (<-chan Frame, error) {
	conn, err := c.dial(ctx)
	if err != nil {
		return nil, err
	}

	err = send(conn, request{Action: ActionBuild, Token: c.cfg.Token, Body: structs.Map(req)})
	if err != nil {
		conn.Close()
		return nil, err
	}

	frames := make(chan Frame)
	go func() {
		defer conn.Close()
		defer close(frames)
		scanner := bufio.NewScanner(conn)
		scanner.Buffer(make([]byte, 0, 64*1024), maxFrameSize)
		for {
			select {
			case <-ctx.Done():
				return
			default:
			}
			resp, ok, err := readOne(scanner)
			if err != nil || !ok || resp.isEmpty() {
				return
			}
			infoType, _ := resp.Body["info_type"].(string)
			select {
			case frames <- Frame{InfoType: InfoType(infoType), Body: resp.Body}:
			case <-ctx.Done():
				return
			}
		}
	}()
	return frames, nil
}

// CancelBuild sends a cancel request for buildUUID. There is no response to wait for: the
// cancellation, if deliverable, flows back as ordinary build-stream frames.
func (c *Client) CancelBuild(ctx context.Context, buildUUID string) error {
	conn, err := c.dial(ctx)
	if err != nil {
		return err
	}
	defer conn.Close()
	return send(conn, request{
		Action: ActionCancelBuild,
		Token:  c.cfg.Token,
		Body:   structs.Map(CancelBuildRequest{BuildUUID: buildUUID}),
	})
}

// maxFrameSize bounds a single JSON line the scanner will buffer; build_info frames can carry a
// full step history so this is generous.
const maxFrameSize = 16 * 1024 * 1024
