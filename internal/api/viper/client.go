package viper

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// DefaultHost Viper API 默认地址
const DefaultHost = "https://www.vcp.cloud/v1"

const (
	loginPath   = "/auth/login"
	devicesPath = "/devices/search/null?limit=100&deviceFilter=Installed&subAccounts=false"
	commandPath = "/devices/command"

	maxErrorBody = 256
)

// 错误定义
var (
	ErrAuthRejected   = errors.New("viper: authentication rejected")
	ErrUpstream       = errors.New("viper: upstream error")
	ErrInvalidTarget  = errors.New("viper: invalid target device")
	ErrInvalidCommand = errors.New("viper: unsupported command")
)

// Client Viper API 客户端
// 不保存任何会话状态，每次调用都携带自己的令牌
type Client struct {
	httpClient *http.Client
	host       string
	timeout    time.Duration
	userAgent  string
}

// Option 客户端选项
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithUserAgent 设置 User-Agent
func WithUserAgent(ua string) Option {
	return func(c *Client) {
		if ua != "" {
			c.userAgent = ua
		}
	}
}

// NewClient 创建新的 Viper API 客户端
func NewClient(host string, timeout time.Duration, opts ...Option) *Client {
	if host == "" {
		host = DefaultHost
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	c := &Client{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		host:      strings.TrimRight(host, "/"),
		timeout:   timeout,
		userAgent: "ViperBridge/1.0",
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Login 使用用户名密码登录
func (c *Client) Login(ctx context.Context, username, password string) (*LoginResult, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	data := url.Values{}
	data.Set("username", username)
	data.Set("password", password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.host+loginPath, strings.NewReader(data.Encode()))
	if err != nil {
		return nil, fmt.Errorf("%w: create login request: %w", ErrUpstream, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("User-Agent", c.userAgent)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: login request: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "login"); err != nil {
		return nil, err
	}

	var results loginResults
	if err := decodeResults(resp.Body, &results); err != nil {
		return nil, fmt.Errorf("%w: decode login response: %w", ErrUpstream, err)
	}
	if results.AuthToken == nil || results.AuthToken.AccessToken == "" || results.User == nil {
		return nil, fmt.Errorf("%w: invalid login response format", ErrUpstream)
	}

	return &LoginResult{
		Token:  results.AuthToken.AccessToken,
		UserID: string(results.User.ID),
		Profile: Profile{
			FirstName: results.User.FirstName,
			LastName:  results.User.LastName,
			Email:     results.User.Email,
			Username:  results.User.Username,
		},
	}, nil
}

// ListVehicles 获取车辆列表，保持上游返回顺序
func (c *Client) ListVehicles(ctx context.Context, token string) ([]Vehicle, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	resp, err := c.doRequest(ctx, http.MethodGet, devicesPath, token, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: list vehicles request: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, "list vehicles"); err != nil {
		return nil, err
	}

	var results devicesResults
	if err := decodeResults(resp.Body, &results); err != nil {
		return nil, fmt.Errorf("%w: decode devices: %w", ErrUpstream, err)
	}
	if results.Devices == nil {
		return nil, fmt.Errorf("%w: invalid get vehicles response format", ErrUpstream)
	}

	vehicles := make([]Vehicle, 0, len(results.Devices))
	for _, d := range results.Devices {
		vehicles = append(vehicles, d.toVehicle())
	}
	return vehicles, nil
}

// SendCommand 向车辆发送指令
func (c *Client) SendCommand(ctx context.Context, token, deviceID string, command Command) (*CommandAck, error) {
	if !command.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidCommand, command)
	}
	id, err := ParseDeviceID(deviceID)
	if err != nil {
		return nil, fmt.Errorf("%w: device id %q must be numeric", ErrInvalidTarget, deviceID)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(commandRequest{DeviceID: id, Command: command})
	if err != nil {
		return nil, fmt.Errorf("%w: encode command: %w", ErrUpstream, err)
	}

	resp, err := c.doRequest(ctx, http.MethodPost, commandPath, token, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: send command request: %w", ErrUpstream, err)
	}
	defer resp.Body.Close()

	// 404 表示设备不存在或不属于该账户
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%w: device %d not found", ErrInvalidTarget, id)
	}
	if err := checkStatus(resp, "send command"); err != nil {
		return nil, err
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read command response: %w", ErrUpstream, err)
	}

	ack := &CommandAck{DeviceID: id, Command: command}
	if len(bytes.TrimSpace(raw)) > 0 {
		if !json.Valid(raw) {
			return nil, fmt.Errorf("%w: malformed command response", ErrUpstream)
		}
		ack.Response = raw
	}
	return ack, nil
}

// doRequest 执行带认证的请求
func (c *Client) doRequest(ctx context.Context, method, path, token string, body io.Reader) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.host+path, body)
	if err != nil {
		return nil, err
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

// checkStatus 把状态码映射为错误
func checkStatus(resp *http.Response, op string) error {
	switch {
	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		return nil
	case resp.StatusCode == http.StatusUnauthorized, resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: %s status=%d", ErrAuthRejected, op, resp.StatusCode)
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return fmt.Errorf("%w: %s failed: status=%d body=%s", ErrUpstream, op, resp.StatusCode, string(body))
	}
}

// decodeResults 解析 {"results": ...} 外壳
func decodeResults(r io.Reader, v interface{}) error {
	var apiResp apiResponse
	if err := json.NewDecoder(r).Decode(&apiResp); err != nil {
		return err
	}
	if len(apiResp.Results) == 0 || bytes.Equal(apiResp.Results, []byte("null")) {
		return errors.New("missing results")
	}
	return json.Unmarshal(apiResp.Results, v)
}
