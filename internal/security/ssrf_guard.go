// Package security はアプリケーションのセキュリティ機能を提供する。
package security

import (
	"context"
	"fmt"
	"net/http"
	"net/netip"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/doyensec/safeurl"
)

// URLGuard はイベント画像URLの検証機能のインターフェースを定義する。
type URLGuard interface {
	// ValidateURL はDNS解決を伴わない静的な検証を行う。
	// http/https以外のスキーム、空ホスト、localhost、プライベート・ループバック・リンクローカルIPを拒否する。
	ValidateURL(rawURL string) error

	// CheckImage はURLへHEADリクエストを送り、画像として取得できるかを確認する。
	// リクエストはsafeurlのクライアントで送信するため、DNS解決後のIPも検証される。
	CheckImage(ctx context.Context, rawURL string) error
}

var allowedSchemes = []string{"http", "https"}

// cgnat は100.64.0.0/10。netip.Addr.IsPrivateの対象外のため個別に拒否する。
var cgnat = netip.MustParsePrefix("100.64.0.0/10")

// urlGuard はURLGuardの実装。
type urlGuard struct {
	client *http.Client
}

// NewURLGuard はURLGuardを生成する。timeoutはCheckImageのHTTPリクエスト全体の上限。
func NewURLGuard(timeout time.Duration) *urlGuard {
	config := safeurl.GetConfigBuilder().
		SetTimeout(timeout).
		SetAllowedSchemes(allowedSchemes...).
		SetAllowedPorts(80, 443).
		Build()

	return &urlGuard{client: safeurl.Client(config).Client}
}

// ValidateURL は画像URLを静的に検証する。ホスト名の場合はDNS解決を行わない。
func (g *urlGuard) ValidateURL(rawURL string) error {
	if rawURL == "" {
		return fmt.Errorf("empty URL")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL: %w", err)
	}
	if scheme := strings.ToLower(u.Scheme); !slices.Contains(allowedSchemes, scheme) {
		return fmt.Errorf("disallowed scheme: %q", scheme)
	}

	host := strings.ToLower(u.Hostname())
	switch {
	case host == "":
		return fmt.Errorf("empty host in URL: %s", rawURL)
	case host == "localhost" || strings.HasSuffix(host, ".localhost"):
		return fmt.Errorf("blocked host: %s", host)
	}
	if addr, err := netip.ParseAddr(host); err == nil && isBlockedAddr(addr) {
		return fmt.Errorf("blocked IP address: %s", addr)
	}
	return nil
}

// CheckImage は画像URLが到達可能で、image/* を返すことを確認する。
func (g *urlGuard) CheckImage(ctx context.Context, rawURL string) error {
	if err := g.ValidateURL(rawURL); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	resp, err := g.client.Do(req)
	if err != nil {
		return fmt.Errorf("image request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("image request returned status %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(strings.ToLower(ct), "image/") {
		return fmt.Errorf("unexpected content type: %s", ct)
	}
	return nil
}

// isBlockedAddr はイベント画像の取得先として許可しないアドレスかどうかを返す。
func isBlockedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	return addr.IsLoopback() ||
		addr.IsPrivate() ||
		addr.IsLinkLocalUnicast() ||
		addr.IsLinkLocalMulticast() ||
		addr.IsUnspecified() ||
		(addr.Is4() && addr.As4()[0] == 0) ||
		cgnat.Contains(addr)
}
