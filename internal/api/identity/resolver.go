package identity

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// 错误定义
var (
	// ErrInvalidToken 令牌格式错误、已过期或被身份提供方拒绝
	ErrInvalidToken = errors.New("identity: invalid access token")
	// ErrUnavailable 身份提供方不可达
	ErrUnavailable = errors.New("identity: provider unavailable")
)

// Subject 身份解析结果
type Subject struct {
	SubjectID  string            `json:"sub"`
	Attributes map[string]string `json:"attributes"`
}

// Attribute 读取属性，空值视为不存在
func (s *Subject) Attribute(key string) (string, bool) {
	if s == nil || s.Attributes == nil {
		return "", false
	}
	v, ok := s.Attributes[key]
	if !ok || strings.TrimSpace(v) == "" {
		return "", false
	}
	return v, true
}

// Resolver 通过 userinfo 端点解析访问令牌
// 不做任何缓存
type Resolver struct {
	httpClient  *http.Client
	userInfoURL string
	timeout     time.Duration
	parser      *jwt.Parser
	now         func() time.Time
}

// Option 解析器选项
type Option func(*Resolver)

// WithHTTPClient 替换底层 HTTP 客户端
func WithHTTPClient(hc *http.Client) Option {
	return func(r *Resolver) {
		if hc != nil {
			r.httpClient = hc
		}
	}
}

// WithClock 替换时钟（测试用）
func WithClock(now func() time.Time) Option {
	return func(r *Resolver) {
		if now != nil {
			r.now = now
		}
	}
}

// NewResolver 创建身份解析器
func NewResolver(userInfoURL string, timeout time.Duration, opts ...Option) *Resolver {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	r := &Resolver{
		httpClient: &http.Client{
			Timeout: timeout,
		},
		userInfoURL: userInfoURL,
		timeout:     timeout,
		parser:      jwt.NewParser(),
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve 校验访问令牌并返回主体标识和属性
func (r *Resolver) Resolve(ctx context.Context, accessToken string) (*Subject, error) {
	accessToken = strings.TrimSpace(accessToken)
	if accessToken == "" {
		return nil, fmt.Errorf("%w: empty token", ErrInvalidToken)
	}
	if err := r.precheck(accessToken); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.userInfoURL, nil)
	if err != nil {
		return nil, fmt.Errorf("%w: create userinfo request: %w", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("Accept", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: userinfo request: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusBadRequest,
		resp.StatusCode == http.StatusUnauthorized,
		resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: provider returned status %d", ErrInvalidToken, resp.StatusCode)
	default:
		return nil, fmt.Errorf("%w: provider returned status %d", ErrUnavailable, resp.StatusCode)
	}

	return decodeSubject(resp.Body)
}

// precheck 本地检查 JWT 格式和过期时间，不验证签名
// 非 JWT 的不透明令牌直接交给身份提供方
func (r *Resolver) precheck(accessToken string) error {
	if strings.Count(accessToken, ".") != 2 {
		return nil
	}

	claims := jwt.MapClaims{}
	if _, _, err := r.parser.ParseUnverified(accessToken, claims); err != nil {
		return fmt.Errorf("%w: malformed jwt: %w", ErrInvalidToken, err)
	}

	exp, err := claims.GetExpirationTime()
	if err != nil {
		return fmt.Errorf("%w: bad exp claim: %w", ErrInvalidToken, err)
	}
	if exp != nil && !r.now().Before(exp.Time) {
		return fmt.Errorf("%w: token expired at %s", ErrInvalidToken, exp.Time.Format(time.RFC3339))
	}
	return nil
}

// decodeSubject 解析 userinfo 响应，sub 之外的标量字段都作为属性
func decodeSubject(body io.Reader) (*Subject, error) {
	var raw map[string]interface{}
	dec := json.NewDecoder(body)
	dec.UseNumber()
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: decode userinfo: %w", ErrUnavailable, err)
	}

	sub, _ := raw["sub"].(string)
	if sub == "" {
		return nil, fmt.Errorf("%w: userinfo missing sub", ErrInvalidToken)
	}

	attrs := make(map[string]string, len(raw))
	for k, v := range raw {
		if k == "sub" {
			continue
		}
		switch val := v.(type) {
		case string:
			attrs[k] = val
		case json.Number:
			attrs[k] = val.String()
		case bool:
			attrs[k] = strconv.FormatBool(val)
		}
	}

	return &Subject{SubjectID: sub, Attributes: attrs}, nil
}
