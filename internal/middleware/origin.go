package middleware

import (
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"github.com/hitoshi/worknest/internal/model"
)

// originAllowlist は許可するオリジン（scheme://host[:port]）の集合。
type originAllowlist map[string]struct{}

func newOriginAllowlist(origins []string) originAllowlist {
	list := make(originAllowlist, len(origins))
	for _, o := range origins {
		if n, ok := normalizeOrigin(o); ok {
			list[n] = struct{}{}
		}
	}
	return list
}

func (l originAllowlist) allows(origin string) bool {
	n, ok := normalizeOrigin(origin)
	if !ok {
		return false
	}
	_, found := l[n]
	return found
}

// normalizeOrigin はOriginヘッダーの値を小文字のscheme://hostに正規化する。
// "null" やパスを含む値は不正として扱う。
func normalizeOrigin(origin string) (string, bool) {
	u, err := url.Parse(strings.TrimSuffix(strings.TrimSpace(origin), "/"))
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return "", false
	}
	if u.Path != "" || u.RawQuery != "" || u.User != nil {
		return "", false
	}
	return strings.ToLower(u.Scheme + "://" + u.Host), true
}

// sameOrigin はOriginのホストがリクエスト先のホストと一致するかを判定する。
func sameOrigin(origin string, r *http.Request) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Host == "" {
		return false
	}
	return strings.EqualFold(u.Host, r.Host)
}

// NewCORSMiddleware は許可リストに含まれるオリジンに対するCORSミドルウェアを返す。
// credentials送信と共存するため、ワイルドカード(*)は使用せず、リクエストのOriginをそのまま返す。
// 許可されたオリジンからのOPTIONSプリフライトには204、それ以外のプリフライトには403で応答する。
func NewCORSMiddleware(allowedOrigins []string) func(next http.Handler) http.Handler {
	allowlist := newOriginAllowlist(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			if origin == "" {
				next.ServeHTTP(w, r)
				return
			}
			w.Header().Add("Vary", "Origin")

			allowed := allowlist.allows(origin)
			if allowed {
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
				w.Header().Set("Access-Control-Allow-Headers", "Content-Type")
				w.Header().Set("Access-Control-Allow-Credentials", "true")
				w.Header().Set("Access-Control-Max-Age", "86400")
			}

			if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
				if !allowed {
					writeForbiddenOrigin(w)
					return
				}
				w.WriteHeader(http.StatusNoContent)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// NewOriginGuardMiddleware は状態変更メソッドのクロスオリジンリクエストを拒否するミドルウェアを返す。
// Originが同一オリジンか許可リストに含まれる場合だけ通す。
// Originを送らないクライアント（CLIなど）は通すが、Sec-Fetch-Siteがcross-siteのブラウザリクエストは拒否する。
func NewOriginGuardMiddleware(allowedOrigins []string, logger *slog.Logger) func(next http.Handler) http.Handler {
	allowlist := newOriginAllowlist(allowedOrigins)
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if isSafeMethod(r.Method) {
				next.ServeHTTP(w, r)
				return
			}

			origin := r.Header.Get("Origin")
			if origin == "" {
				if r.Header.Get("Sec-Fetch-Site") == "cross-site" {
					logger.Warn("cross-site request rejected",
						slog.String("method", r.Method),
						slog.String("path", r.URL.Path),
					)
					writeForbiddenOrigin(w)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if !sameOrigin(origin, r) && !allowlist.allows(origin) {
				logger.Warn("cross-origin request rejected",
					slog.String("method", r.Method),
					slog.String("path", r.URL.Path),
					slog.String("origin", origin),
				)
				writeForbiddenOrigin(w)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}

// isSafeMethod はHTTPメソッドが安全（読み取り専用）かどうかを判定する。
func isSafeMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return true
	default:
		return false
	}
}

func writeForbiddenOrigin(w http.ResponseWriter) {
	WriteErrorResponse(w, http.StatusForbidden, &model.APIError{
		Code:     "FORBIDDEN_ORIGIN",
		Message:  "このオリジンからのリクエストは許可されていません。",
		Category: model.CategoryAuth,
		Action:   "許可されたオリジンからアクセスしてください。",
	})
}
