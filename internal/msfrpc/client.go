// Package msfrpc is a client for the MSGRPC interface exposed by msfrpcd:
// msgpack-encoded requests POSTed to /api/. Requests are arrays of
// [method, token?, args...]; replies are maps.
package msfrpc

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/sarnowski/msfailab/internal/common/config"
	"github.com/sarnowski/msfailab/internal/common/logger"
	"github.com/sarnowski/msfailab/internal/fault"
)

const (
	apiPath     = "/api/"
	contentType = "binary/message-pack"
)

// Token authenticates calls after a successful login. Tokens are temporary
// and any call may fail with an authentication error once one expires.
type Token string

// ConsoleInfo describes a console session returned by console.create.
type ConsoleInfo struct {
	ID     string
	Prompt string
	Busy   bool
}

// ReadResult carries one destructive console.read. Data returned here is
// gone from the server's buffer; callers accumulate. Prompt is meaningful
// when Busy is false.
type ReadResult struct {
	Data   string
	Busy   bool
	Prompt string
}

// Client performs MSGRPC calls. It is stateless: the endpoint and token are
// supplied per call, so one client serves every container.
type Client struct {
	httpClient *http.Client
	logger     *logger.Logger
}

// NewClient creates an MSGRPC client with the configured call timeout.
func NewClient(cfg config.MsgrpcConfig, log *logger.Logger) *Client {
	return &Client{
		httpClient: &http.Client{
			Timeout: cfg.CallTimeoutDuration(),
		},
		logger: log.WithFields(zap.String("component", "msfrpc")),
	}
}

// Login authenticates against the daemon and returns a session token.
func (c *Client) Login(ctx context.Context, endpoint, user, password string) (Token, error) {
	result, err := c.call(ctx, endpoint, []interface{}{"auth.login", user, password})
	if err != nil {
		return "", err
	}

	if asString(result["result"]) != "success" {
		return "", fault.New(fault.AuthFailed, "login rejected")
	}
	token := asString(result["token"])
	if token == "" {
		return "", fault.New(fault.AuthFailed, "login reply missing token")
	}

	c.logger.Debug("Logged in to msfrpcd", zap.String("endpoint", endpoint))
	return Token(token), nil
}

// ConsoleCreate opens a new console session.
func (c *Client) ConsoleCreate(ctx context.Context, endpoint string, token Token) (ConsoleInfo, error) {
	result, err := c.call(ctx, endpoint, []interface{}{"console.create", string(token)})
	if err != nil {
		return ConsoleInfo{}, err
	}

	id := asString(result["id"])
	if id == "" {
		return ConsoleInfo{}, fault.New(fault.SessionCreateFailed, "create reply missing console id")
	}

	return ConsoleInfo{
		ID:     id,
		Prompt: asString(result["prompt"]),
		Busy:   asBool(result["busy"]),
	}, nil
}

// ConsoleDestroy closes a console session. Destroying an already-gone
// session is not an error.
func (c *Client) ConsoleDestroy(ctx context.Context, endpoint string, token Token, sessionID string) error {
	result, err := c.call(ctx, endpoint, []interface{}{"console.destroy", string(token), sessionID})
	if err != nil {
		return err
	}
	if asString(result["result"]) != "success" {
		c.logger.Debug("console.destroy reported failure",
			zap.String("endpoint", endpoint),
			zap.String("session_id", sessionID),
		)
	}
	return nil
}

// ConsoleWrite sends data to a console session and returns the number of
// bytes the daemon accepted.
func (c *Client) ConsoleWrite(ctx context.Context, endpoint string, token Token, sessionID, data string) (int, error) {
	result, err := c.call(ctx, endpoint, []interface{}{"console.write", string(token), sessionID, data})
	if err != nil {
		return 0, err
	}
	return asInt(result["wrote"]), nil
}

// ConsoleRead drains pending output from a console session.
func (c *Client) ConsoleRead(ctx context.Context, endpoint string, token Token, sessionID string) (ReadResult, error) {
	result, err := c.call(ctx, endpoint, []interface{}{"console.read", string(token), sessionID})
	if err != nil {
		return ReadResult{}, err
	}
	return ReadResult{
		Data:   asString(result["data"]),
		Busy:   asBool(result["busy"]),
		Prompt: asString(result["prompt"]),
	}, nil
}

// Call performs an arbitrary authenticated RPC method.
func (c *Client) Call(ctx context.Context, endpoint string, token Token, method string, args ...interface{}) (map[string]interface{}, error) {
	request := make([]interface{}, 0, len(args)+2)
	request = append(request, method, string(token))
	request = append(request, args...)
	return c.call(ctx, endpoint, request)
}

// call performs one round trip: encode the request array, POST it, decode
// the reply map, and surface daemon-reported errors as faults.
func (c *Client) call(ctx context.Context, endpoint string, request []interface{}) (map[string]interface{}, error) {
	body, err := msgpack.Marshal(request)
	if err != nil {
		return nil, fault.Wrap(fault.AdapterTransport, fmt.Errorf("encoding rpc request: %w", err))
	}

	url := "http://" + endpoint + apiPath
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fault.Wrap(fault.AdapterTransport, err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fault.Wrap(fault.AdapterTransport, err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fault.Wrap(fault.AdapterTransport, fmt.Errorf("reading rpc response: %w", err))
	}

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, fault.Newf(fault.AuthFailed, "http %d", resp.StatusCode)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fault.Newf(fault.AdapterTransport, "rpc call failed with status %d", resp.StatusCode)
	}

	var result map[string]interface{}
	if err := msgpack.Unmarshal(respBody, &result); err != nil {
		return nil, fault.Wrap(fault.AdapterTransport, fmt.Errorf("decoding rpc response: %w", err))
	}

	if rpcErr := replyError(result); rpcErr != nil {
		return nil, rpcErr
	}
	return result, nil
}

// replyError maps the daemon's error: true replies to faults. Authentication
// errors are fatal for the session; everything else is a transport error the
// caller may retry.
func replyError(result map[string]interface{}) error {
	if !asBool(result["error"]) {
		return nil
	}

	message := asString(result["error_message"])
	if message == "" {
		message = asString(result["error_string"])
	}
	if message == "" {
		message = "rpc error"
	}

	if isAuthMessage(message) {
		return fault.New(fault.AuthFailed, message)
	}
	return fault.New(fault.AdapterTransport, message)
}

func isAuthMessage(message string) bool {
	m := strings.ToLower(message)
	return strings.Contains(m, "authentication") || strings.Contains(m, "invalid user id")
}
