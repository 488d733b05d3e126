// Package unfurl implements the Unfurl Resolver: given a URL pasted into a
// room, it fetches a bounded prefix of the page and extracts Open
// Graph/Twitter-card metadata and a favicon link for link-preview cards.
//
// Resolution never fails loudly: any network error, timeout, non-HTML
// response, or disallowed target simply yields an empty Metadata (spec §4.4,
// scenario S6 — an unreachable URL resolves to all-empty fields rather than
// propagating an error to the room).
package unfurl

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/net/html"
	"golang.org/x/text/unicode/norm"
)

// defaultTimeout bounds the whole fetch-and-parse operation.
const defaultTimeout = 12 * time.Second

// defaultMaxBytes caps how much of the response body is read. Metadata
// lives in <head>, so 2 MiB is generous headroom.
const defaultMaxBytes = 2 << 20 // 2 MiB

// Metadata is the extracted link-preview data for one URL. The zero value
// (all empty strings) is the resolver's failure result.
type Metadata struct {
	Title       string `json:"title"`
	Description string `json:"description"`
	Image       string `json:"image"`
	Favicon     string `json:"favicon"`
}

// Resolver fetches and extracts Metadata for a URL.
type Resolver struct {
	client   *http.Client
	maxBytes int64

	// allowPrivateHosts disables the loopback/private-range SSRF guard.
	// Always false in production; set only by tests exercising the
	// resolver against an in-process httptest server, which necessarily
	// listens on a loopback address.
	allowPrivateHosts bool
}

// New creates a Resolver with the given fetch timeout and response byte
// cap. A zero timeout or maxBytes falls back to the package defaults.
func New(timeout time.Duration, maxBytes int64) *Resolver {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if maxBytes <= 0 {
		maxBytes = defaultMaxBytes
	}
	r := &Resolver{maxBytes: maxBytes}
	r.client = &http.Client{
		Timeout: timeout,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= 5 {
				return http.ErrUseLastResponse
			}
			if err := r.checkAllowedHost(req.URL); err != nil {
				return http.ErrUseLastResponse
			}
			return nil
		},
	}
	return r
}

// Unfurl fetches rawURL and extracts its preview metadata. It always
// returns a Metadata value; on any failure every field is empty.
func (r *Resolver) Unfurl(ctx context.Context, rawURL string) Metadata {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return Metadata{}
	}
	if parsed.Scheme != "http" && parsed.Scheme != "https" {
		return Metadata{}
	}
	if err := r.checkAllowedHost(parsed); err != nil {
		return Metadata{}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, parsed.String(), nil)
	if err != nil {
		return Metadata{}
	}
	req.Header.Set("User-Agent", "canvasroom-unfurl/1.0 (+link preview fetcher)")
	req.Header.Set("Accept", "text/html,application/xhtml+xml")

	resp, err := r.client.Do(req)
	if err != nil {
		return Metadata{}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Metadata{}
	}
	if ct := resp.Header.Get("Content-Type"); ct != "" && !strings.Contains(ct, "html") {
		return Metadata{}
	}

	body := io.LimitReader(resp.Body, r.maxBytes)
	meta, err := extractMetadata(body, parsed)
	if err != nil {
		return Metadata{}
	}
	if meta.Favicon == "" {
		meta.Favicon = (&url.URL{Scheme: parsed.Scheme, Host: parsed.Host, Path: "/favicon.ico"}).String()
	}
	return meta
}

// checkAllowedHost rejects loopback, link-local, and private-range targets
// to prevent the resolver from being used to probe internal services.
func (r *Resolver) checkAllowedHost(u *url.URL) error {
	if r.allowPrivateHosts {
		return nil
	}
	host := u.Hostname()
	if host == "" {
		return errBadHost
	}
	ips, err := net.LookupIP(host)
	if err != nil {
		return err
	}
	for _, ip := range ips {
		if ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsLinkLocalMulticast() || ip.IsUnspecified() {
			return errBadHost
		}
	}
	return nil
}

var errBadHost = &hostError{"target host resolves to a disallowed address"}

type hostError struct{ msg string }

func (e *hostError) Error() string { return e.msg }

// extractMetadata tokenizes body as HTML and pulls title/meta/link tags out
// of the head. It stops scanning once </head> is reached or the limited
// reader is exhausted.
func extractMetadata(body io.Reader, base *url.URL) (Metadata, error) {
	var meta Metadata
	var inTitle bool

	tokenizer := html.NewTokenizer(body)
	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return normalizeMetadata(meta), nil
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			if string(name) == "head" {
				return normalizeMetadata(meta), nil
			}
			if string(name) == "title" {
				inTitle = false
			}
		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := tokenizer.TagName()
			tag := string(name)
			switch tag {
			case "title":
				inTitle = true
			case "meta":
				applyMetaTag(&meta, tokenAttrs(tokenizer, hasAttr), base)
			case "link":
				applyLinkTag(&meta, tokenAttrs(tokenizer, hasAttr), base)
			case "body":
				return normalizeMetadata(meta), nil
			}
		case html.TextToken:
			if inTitle && meta.Title == "" {
				meta.Title = strings.TrimSpace(string(tokenizer.Text()))
			}
		}
	}
}

func tokenAttrs(tokenizer *html.Tokenizer, hasAttr bool) map[string]string {
	attrs := make(map[string]string)
	if !hasAttr {
		return attrs
	}
	for {
		key, val, more := tokenizer.TagAttr()
		attrs[string(key)] = string(val)
		if !more {
			break
		}
	}
	return attrs
}

func applyMetaTag(meta *Metadata, attrs map[string]string, base *url.URL) {
	content := attrs["content"]
	if content == "" {
		return
	}
	switch {
	case attrs["property"] == "og:title" || attrs["name"] == "twitter:title":
		if meta.Title == "" || attrs["property"] == "og:title" {
			meta.Title = content
		}
	case attrs["property"] == "og:description" || attrs["name"] == "description" || attrs["name"] == "twitter:description":
		if meta.Description == "" || attrs["property"] == "og:description" {
			meta.Description = content
		}
	case attrs["property"] == "og:image" || attrs["name"] == "twitter:image":
		if meta.Image == "" || attrs["property"] == "og:image" {
			meta.Image = resolveURL(base, content)
		}
	}
}

func applyLinkTag(meta *Metadata, attrs map[string]string, base *url.URL) {
	rel := strings.ToLower(attrs["rel"])
	if rel == "icon" || rel == "shortcut icon" || rel == "apple-touch-icon" {
		if meta.Favicon == "" {
			meta.Favicon = resolveURL(base, attrs["href"])
		}
	}
}

func resolveURL(base *url.URL, ref string) string {
	if ref == "" {
		return ""
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ""
	}
	return base.ResolveReference(parsed).String()
}

// normalizeMetadata applies Unicode NFC normalization to the extracted text
// fields so downstream rendering/comparison never sees equivalent strings
// that decompose differently byte-for-byte.
func normalizeMetadata(meta Metadata) Metadata {
	meta.Title = norm.NFC.String(meta.Title)
	meta.Description = norm.NFC.String(meta.Description)
	return meta
}
