// Package auth は外部IdPトークンの検証、パスワードハッシュ、セッショントークンを提供する。
package auth

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const defaultGoogleTokenInfoURL = "https://oauth2.googleapis.com/tokeninfo"

// FederatedIdentity は外部IdPで検証済みのユーザー情報を表す。
type FederatedIdentity struct {
	Provider       string // "google" 等
	ProviderUserID string
	Email          string
	Name           string
	PhotoURL       string
}

// Verifier は外部IdPのトークンを検証するインターフェース。
type Verifier interface {
	// Verify はトークンを検証し、ユーザー情報を返す。
	Verify(ctx context.Context, token string) (*FederatedIdentity, error)
}

// VerifierFunc は関数をVerifierとして扱うアダプタ。
type VerifierFunc func(ctx context.Context, token string) (*FederatedIdentity, error)

// Verify はVerifierインターフェースを実装する。
func (f VerifierFunc) Verify(ctx context.Context, token string) (*FederatedIdentity, error) {
	return f(ctx, token)
}

// GoogleConfig はGoogle IDトークン検証の設定。
type GoogleConfig struct {
	ClientID string

	// テスト用にオーバーライド可能なURL
	TokenInfoURL string
}

// GoogleVerifier はGoogleのtokeninfoエンドポイントでIDトークンを検証する。
type GoogleVerifier struct {
	config     GoogleConfig
	httpClient *http.Client
	now        func() time.Time
}

// NewGoogleVerifier はGoogleVerifierを生成する。
// httpClientがnilの場合はhttp.DefaultClientを使う。
func NewGoogleVerifier(config GoogleConfig, httpClient *http.Client) *GoogleVerifier {
	if config.TokenInfoURL == "" {
		config.TokenInfoURL = defaultGoogleTokenInfoURL
	}
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &GoogleVerifier{config: config, httpClient: httpClient, now: time.Now}
}

// googleTokenInfo はtokeninfoエンドポイントのレスポンス。
// 数値項目も文字列で返される。
type googleTokenInfo struct {
	Sub           string `json:"sub"`
	Aud           string `json:"aud"`
	Email         string `json:"email"`
	EmailVerified string `json:"email_verified"`
	Name          string `json:"name"`
	Picture       string `json:"picture"`
	Exp           string `json:"exp"`
}

// Verify はIDトークンをtokeninfoエンドポイントで検証する。
// audがクライアントIDと一致し、期限切れでない場合のみ成功する。
func (v *GoogleVerifier) Verify(ctx context.Context, token string) (*FederatedIdentity, error) {
	if token == "" {
		return nil, fmt.Errorf("id token is required")
	}

	reqURL, err := url.Parse(v.config.TokenInfoURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse tokeninfo url: %w", err)
	}
	q := reqURL.Query()
	q.Set("id_token", token)
	reqURL.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create tokeninfo request: %w", err)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tokeninfo request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read tokeninfo response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tokeninfo rejected token with status %d: %s", resp.StatusCode, string(body))
	}

	var info googleTokenInfo
	if err := json.Unmarshal(body, &info); err != nil {
		return nil, fmt.Errorf("failed to parse tokeninfo response: %w", err)
	}

	if info.Sub == "" {
		return nil, fmt.Errorf("empty sub in tokeninfo response")
	}
	if v.config.ClientID != "" && info.Aud != v.config.ClientID {
		return nil, fmt.Errorf("token audience mismatch")
	}
	if info.Exp != "" {
		exp, err := strconv.ParseInt(info.Exp, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid exp in tokeninfo response: %w", err)
		}
		if v.now().After(time.Unix(exp, 0)) {
			return nil, fmt.Errorf("token expired")
		}
	}

	return &FederatedIdentity{
		Provider:       "google",
		ProviderUserID: info.Sub,
		Email:          info.Email,
		Name:           info.Name,
		PhotoURL:       info.Picture,
	}, nil
}

// compile-time interface check
var _ Verifier = (*GoogleVerifier)(nil)
