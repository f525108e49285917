package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"liveconsult/internal/models"

	"github.com/golang-jwt/jwt/v5"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// MediaToken 媒体中继签发的通道凭证
type MediaToken struct {
	Channel   string    `json:"channel"`
	UserID    uint      `json:"uid"`
	Token     string    `json:"token"`
	AppID     string    `json:"app_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// MediaRelay is the external provider that carries the actual audio/video
// media. The call engine only asks it for tokens and for channel cleanup.
type MediaRelay interface {
	IssueToken(ctx context.Context, channel string, userID uint) (*MediaToken, error)
	ReleaseChannel(ctx context.Context, channel string) error
}

// ChannelName derives the media channel of a call session.
func ChannelName(sess *models.ChatSession) string {
	return "call_" + sess.Token
}

// MediaClaims are carried by tokens issued by TokenRelay.
type MediaClaims struct {
	AppID   string `json:"app_id"`
	Channel string `json:"channel"`
	UID     uint   `json:"uid"`
	jwt.RegisteredClaims
}

// TokenRelay signs media tokens locally with the app certificate and keeps the
// optional pion peers of a channel in sync with its lifetime.
type TokenRelay struct {
	appID       string
	certificate []byte
	ttl         time.Duration
	webrtc      *WebRTCService
}

// NewTokenRelay 创建本地签发的媒体中继
func NewTokenRelay(appID, certificate string, ttl time.Duration, rtc *WebRTCService) *TokenRelay {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &TokenRelay{appID: appID, certificate: []byte(certificate), ttl: ttl, webrtc: rtc}
}

func (r *TokenRelay) IssueToken(ctx context.Context, channel string, userID uint) (*MediaToken, error) {
	if len(r.certificate) == 0 {
		return nil, fmt.Errorf("%w: media relay certificate not configured", ErrExternalDependency)
	}
	if channel == "" || userID == 0 {
		return nil, fmt.Errorf("%w: channel and uid are required", ErrValidation)
	}
	now := time.Now()
	exp := now.Add(r.ttl)
	claims := MediaClaims{
		AppID:   r.appID,
		Channel: channel,
		UID:     userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   fmt.Sprintf("%d", userID),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(r.certificate)
	if err != nil {
		return nil, fmt.Errorf("%w: sign media token: %v", ErrExternalDependency, err)
	}
	return &MediaToken{Channel: channel, UserID: userID, Token: signed, AppID: r.appID, ExpiresAt: exp}, nil
}

func (r *TokenRelay) ReleaseChannel(ctx context.Context, channel string) error {
	if r.webrtc != nil {
		r.webrtc.CloseChannel(channel)
	}
	return nil
}

// ParseMediaToken validates a token issued by TokenRelay.
func (r *TokenRelay) ParseMediaToken(tokenString string) (*MediaClaims, error) {
	claims := &MediaClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (interface{}, error) {
		return r.certificate, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}
	return claims, nil
}

// HTTPRelay talks to a remote token service:
//
//	POST   {base}/tokens           {"channel": "...", "uid": 7}
//	DELETE {base}/channels/{name}
type HTTPRelay struct {
	baseURL    string
	appID      string
	httpClient *http.Client
	logger     *logrus.Logger
}

// NewHTTPRelay 创建远程媒体中继客户端
func NewHTTPRelay(baseURL, appID string, timeout time.Duration, logger *logrus.Logger) *HTTPRelay {
	if logger == nil {
		logger = logrus.New()
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &HTTPRelay{
		baseURL: strings.TrimRight(baseURL, "/"),
		appID:   appID,
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		logger: logger,
	}
}

func (r *HTTPRelay) IssueToken(ctx context.Context, channel string, userID uint) (*MediaToken, error) {
	body := map[string]interface{}{"channel": channel, "uid": userID}
	if r.appID != "" {
		body["app_id"] = r.appID
	}
	var out MediaToken
	if err := r.do(ctx, http.MethodPost, "/tokens", body, &out); err != nil {
		return nil, fmt.Errorf("%w: issue token: %v", ErrExternalDependency, err)
	}
	if out.Token == "" {
		return nil, fmt.Errorf("%w: issue token: empty token", ErrExternalDependency)
	}
	out.Channel = channel
	out.UserID = userID
	if out.AppID == "" {
		out.AppID = r.appID
	}
	return &out, nil
}

func (r *HTTPRelay) ReleaseChannel(ctx context.Context, channel string) error {
	if err := r.do(ctx, http.MethodDelete, "/channels/"+url.PathEscape(channel), nil, nil); err != nil {
		return fmt.Errorf("%w: release channel: %v", ErrExternalDependency, err)
	}
	return nil
}

func (r *HTTPRelay) do(ctx context.Context, method, endpoint string, body, result interface{}) error {
	var reader io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(b)
	}
	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+endpoint, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read response body: %w", err)
	}
	r.logger.Debugf("media relay %s %s -> %d", method, endpoint, resp.StatusCode)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(payload)))
	}
	if result == nil || len(payload) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, result); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
