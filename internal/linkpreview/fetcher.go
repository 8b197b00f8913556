package linkpreview

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/html"
)

const (
	maxHTMLBytes = 1 << 20
	fetchTimeout = 5 * time.Second
	maxRedirects = 3
	userAgent    = "echobot/1.0 (+https://github.com/echochat/api)"
)

// urlPattern matches http(s) URLs in message text.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// ExtractFirstURL returns the first http(s) URL in content, or "" when the
// message has none. Trailing sentence punctuation is not treated as part of
// the URL.
func ExtractFirstURL(content string) string {
	for _, u := range urlPattern.FindAllString(content, -1) {
		u = strings.TrimRight(u, ".,;:!?")
		if u != "" {
			return u
		}
	}
	return ""
}

// metadata is what a page's head yields: Open Graph tags plus plain
// <title> and <meta name="description"> fallbacks.
type metadata struct {
	title       string
	description string
	imageURL    string
	siteName    string
}

func (m metadata) empty() bool { return m.title == "" && m.description == "" }

// Fetcher resolves URLs into previews, backed by the URL-level cache so each
// address is fetched at most once per TTL no matter how many messages repeat
// it.
type Fetcher struct {
	repo   *Repository
	client *http.Client
}

// NewFetcher returns a Fetcher whose HTTP client refuses to connect to
// private, loopback, and link-local addresses.
func NewFetcher(repo *Repository) *Fetcher {
	return NewFetcherWithClient(repo, nil)
}

// NewFetcherWithClient substitutes a custom HTTP client, mainly for tests.
func NewFetcherWithClient(repo *Repository, client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{
			Timeout:   fetchTimeout,
			Transport: &http.Transport{DialContext: guardedDial},
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxRedirects {
					return errors.New("too many redirects")
				}
				return nil
			},
		}
	}
	return &Fetcher{repo: repo, client: client}
}

// FetchPreview resolves url into a Preview, consulting the cache first. A
// nil, nil return means the URL yields no preview. Failed fetches are cached
// too, so a dead link is not retried on every message that repeats it.
func (f *Fetcher) FetchPreview(ctx context.Context, url string) (*Preview, error) {
	cached, err := f.repo.GetCachedURL(ctx, url)
	if err != nil {
		return nil, err
	}
	if cached != nil {
		if cached.FetchError != "" {
			return nil, nil
		}
		return &Preview{
			URL:         cached.URL,
			Title:       cached.Title,
			Description: cached.Description,
			ImageURL:    cached.ImageURL,
			SiteName:    cached.SiteName,
		}, nil
	}

	meta, fetchErr := f.fetchPage(ctx, url)

	now := time.Now().UTC()
	entry := &CacheEntry{URL: url, FetchedAt: now}

	if fetchErr != nil || meta.empty() {
		entry.FetchError = "no preview metadata"
		if fetchErr != nil {
			entry.FetchError = fetchErr.Error()
		}
		entry.ExpiresAt = now.Add(ErrorCacheTTL)
		_ = f.repo.SetCachedURL(ctx, entry)
		return nil, nil
	}

	entry.Title = meta.title
	entry.Description = meta.description
	entry.ImageURL = meta.imageURL
	entry.SiteName = meta.siteName
	entry.ExpiresAt = now.Add(CacheTTL)
	if err := f.repo.SetCachedURL(ctx, entry); err != nil {
		return nil, err
	}

	return &Preview{
		URL:         url,
		Title:       meta.title,
		Description: meta.description,
		ImageURL:    meta.imageURL,
		SiteName:    meta.siteName,
	}, nil
}

func (f *Fetcher) fetchPage(ctx context.Context, url string) (metadata, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return metadata{}, err
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("Accept", "text/html")

	resp, err := f.client.Do(req)
	if err != nil {
		return metadata{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return metadata{}, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	if ct := resp.Header.Get("Content-Type"); !strings.Contains(ct, "text/html") {
		return metadata{}, nil
	}

	return parseHead(io.LimitReader(resp.Body, maxHTMLBytes)), nil
}

// parseHead tokenizes the document until <body> and collects preview
// metadata from the head. Previews never need the page content itself.
func parseHead(r io.Reader) metadata {
	z := html.NewTokenizer(r)
	var meta metadata
	var pageTitle, pageDesc string

	finish := func() metadata {
		if meta.title == "" {
			meta.title = pageTitle
		}
		if meta.description == "" {
			meta.description = pageDesc
		}
		return meta
	}

	for {
		switch z.Next() {
		case html.ErrorToken:
			return finish()

		case html.StartTagToken, html.SelfClosingTagToken:
			name, hasAttr := z.TagName()
			switch string(name) {
			case "body":
				return finish()

			case "title":
				if pageTitle == "" && z.Next() == html.TextToken {
					pageTitle = strings.TrimSpace(string(z.Text()))
				}

			case "meta":
				if !hasAttr {
					continue
				}
				var prop, metaName, content string
				for {
					key, val, more := z.TagAttr()
					switch string(key) {
					case "property":
						prop = string(val)
					case "name":
						metaName = string(val)
					case "content":
						content = string(val)
					}
					if !more {
						break
					}
				}
				switch prop {
				case "og:title":
					meta.title = content
				case "og:description":
					meta.description = content
				case "og:image":
					meta.imageURL = content
				case "og:site_name":
					meta.siteName = content
				}
				if metaName == "description" && pageDesc == "" {
					pageDesc = content
				}
			}
		}
	}
}

// guardedDial resolves the host before connecting and refuses destinations
// inside the network boundary, since preview URLs are user supplied.
func guardedDial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}

	ips, err := net.DefaultResolver.LookupIPAddr(ctx, host)
	if err != nil {
		return nil, err
	}

	for _, ip := range ips {
		if !publicIP(ip.IP) {
			return nil, fmt.Errorf("refusing to connect to %s", ip.IP)
		}
	}

	dialer := &net.Dialer{Timeout: fetchTimeout}
	return dialer.DialContext(ctx, network, net.JoinHostPort(ips[0].IP.String(), port))
}

func publicIP(ip net.IP) bool {
	if ip.IsPrivate() || ip.IsLoopback() || ip.IsUnspecified() {
		return false
	}
	return !ip.IsLinkLocalUnicast() && !ip.IsLinkLocalMulticast()
}
