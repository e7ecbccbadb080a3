// Package httpsearch provides the default reference implementation of the
// search provider port (§10.E): a generic HTTP search API client that
// fetches each hit's page and extracts readable text with goquery.
package httpsearch

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"

	"deepresearch/internal/logging"
	"deepresearch/internal/research/ports"
)

// Client implements ports.SearchClient against a configurable search API
// that returns a JSON list of {url, title} hits, then fetches and extracts
// the readable text of each hit page.
type Client struct {
	searchURL  string
	apiKey     string
	httpClient *http.Client
	logger     logging.Logger
	fetchPages bool
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient overrides the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// WithLogger overrides the default component logger.
func WithLogger(logger logging.Logger) Option {
	return func(c *Client) {
		if !logging.IsNil(logger) {
			c.logger = logger
		}
	}
}

// WithoutPageFetch disables per-result page fetching, falling back to
// whatever snippet the search API itself returned. Useful for providers
// that already return full content, or in tests.
func WithoutPageFetch() Option {
	return func(c *Client) { c.fetchPages = false }
}

// New builds a Client against searchURL, a search API endpoint that accepts
// a `q` query parameter and an optional bearer apiKey.
func New(searchURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		searchURL:  searchURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		logger:     logging.NewComponentLogger("httpsearch"),
		fetchPages: true,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

type searchAPIHit struct {
	URL     string `json:"url"`
	Title   string `json:"title"`
	Snippet string `json:"snippet"`
	Image   string `json:"image"`
}

type searchAPIResponse struct {
	Results []searchAPIHit `json:"results"`
	Images  []searchAPIHit `json:"images"`
}

var whitespaceRun = regexp.MustCompile(`\s+`)

// Search implements ports.SearchClient: queries the configured search API
// for query, then fetches and extracts each result page's readable text.
func (c *Client) Search(ctx context.Context, query string, opts ports.SearchOptions) (ports.SearchResult, error) {
	hits, images, err := c.queryAPI(ctx, query, opts)
	if err != nil {
		return ports.SearchResult{}, err
	}

	result := ports.SearchResult{
		Sources: make([]ports.SearchSource, 0, len(hits)),
		Images:  make([]ports.SearchImage, 0, len(images)),
	}

	for _, hit := range hits {
		content := hit.Snippet
		if c.fetchPages {
			if extracted, fetchErr := c.extractPage(ctx, hit.URL); fetchErr == nil && extracted != "" {
				content = extracted
			} else if fetchErr != nil {
				c.logger.Debug("httpsearch: page fetch failed for %s: %v", hit.URL, fetchErr)
			}
		}
		result.Sources = append(result.Sources, ports.SearchSource{
			URL:     hit.URL,
			Title:   hit.Title,
			Content: content,
		})
	}
	for _, img := range images {
		result.Images = append(result.Images, ports.SearchImage{
			URL:         img.URL,
			Description: img.Title,
		})
	}

	return result, nil
}

func (c *Client) queryAPI(ctx context.Context, query string, opts ports.SearchOptions) ([]searchAPIHit, []searchAPIHit, error) {
	u, err := url.Parse(c.searchURL)
	if err != nil {
		return nil, nil, fmt.Errorf("httpsearch: invalid search url: %w", err)
	}
	q := u.Query()
	q.Set("q", query)
	if opts.MaxResults > 0 {
		q.Set("max_results", fmt.Sprintf("%d", opts.MaxResults))
	}
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("httpsearch: build request: %w", err)
	}
	key := opts.APIKey
	if key == "" {
		key = c.apiKey
	}
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, fmt.Errorf("httpsearch: request failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, nil, fmt.Errorf("httpsearch: provider returned status %d", resp.StatusCode)
	}

	var parsed searchAPIResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, nil, fmt.Errorf("httpsearch: decode response: %w", err)
	}
	return parsed.Results, parsed.Images, nil
}

// extractPage fetches rawURL and extracts its readable text via goquery,
// dropping script/style/nav nodes and collapsing whitespace.
func (c *Client) extractPage(ctx context.Context, rawURL string) (string, error) {
	if rawURL == "" {
		return "", fmt.Errorf("empty url")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", "Mozilla/5.0 (compatible; deepresearch/1.0)")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch %s: status %d", rawURL, resp.StatusCode)
	}

	doc, err := goquery.NewDocumentFromReader(resp.Body)
	if err != nil {
		return "", fmt.Errorf("parse %s: %w", rawURL, err)
	}

	doc.Find("script, style, noscript, nav, footer, header, iframe, svg").Remove()

	text := doc.Find("body").Text()
	if strings.TrimSpace(text) == "" {
		text = doc.Text()
	}
	return whitespaceRun.ReplaceAllString(strings.TrimSpace(text), " "), nil
}
