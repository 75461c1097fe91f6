// Package resolver turns free-form user input into a URL the session can download.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"github.com/alanbriolat/media-fetch/generic"
	"github.com/alanbriolat/media-fetch/internal/transfer"
)

var ErrNoURL = errors.New("no URL found in input")

// ParseError means a provider recognised the page but couldn't find a media URL in it.
type ParseError struct {
	URL    string
	Reason string
	Err    error
}

func (e *ParseError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("parse %s: %s: %v", e.URL, e.Reason, e.Err)
	}
	return fmt.Sprintf("parse %s: %s", e.URL, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return e.Err
}

var urlPattern = regexp.MustCompile(`https?://\S+`)

// ExtractURL returns the first http(s) URL in text. The match runs to the next whitespace, so trailing punctuation
// is kept.
func ExtractURL(text string) (string, bool) {
	match := urlPattern.FindString(text)
	if match == "" {
		return "", false
	}
	if u, err := url.Parse(match); err != nil || u.Host == "" {
		return "", false
	}
	return match, true
}

type Config struct {
	// ShortLinkHosts are hosts whose links are redirects to the real page.
	ShortLinkHosts []string
	// ContentHosts are hosts serving pages with embedded router data.
	ContentHosts []string
	// PlayURL is the base of direct-play URLs built from router data.
	PlayURL string
	// YouTube enables the youtube provider.
	YouTube bool
	// Priorities reorders providers by name; lower goes first. Names must be of enabled providers.
	Priorities map[string]int16
}

func DefaultConfig() Config {
	return Config{
		ShortLinkHosts: []string{"v.douyin.com"},
		ContentHosts:   []string{"www.iesdouyin.com", "www.douyin.com"},
		PlayURL:        "https://www.iesdouyin.com/aweme/v1/play/",
		YouTube:        true,
	}
}

type Resolver struct {
	client     transfer.Client
	registry   *Registry
	shortLinks generic.Set[string]
	log        *zap.SugaredLogger
}

// New creates a Resolver with the providers enabled by config.
func New(client transfer.Client, config Config) (*Resolver, error) {
	registry := &Registry{}
	if len(config.ContentHosts) > 0 {
		registry.MustAdd(NewRouterDataProvider(client, config.ContentHosts, config.PlayURL))
	}
	if config.YouTube {
		registry.MustAdd(NewYouTubeProvider(nil))
	}
	for name, priority := range config.Priorities {
		if err := registry.SetPriority(name, priority); err != nil {
			return nil, fmt.Errorf("provider %q: %w", name, err)
		}
	}
	r := NewWithRegistry(client, config.ShortLinkHosts, registry)
	r.log.Debugw("providers registered", "order", registry.List())
	return r, nil
}

func NewWithRegistry(client transfer.Client, shortLinkHosts []string, registry *Registry) *Resolver {
	return &Resolver{
		client:     client,
		registry:   registry,
		shortLinks: generic.NewSet(normalizeHosts(shortLinkHosts)...),
		log:        zap.S().Named("resolver"),
	}
}

// Resolve follows a short link to its final address. URLs on other hosts are returned unchanged.
func (r *Resolver) Resolve(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	if !r.shortLinks.Contains(strings.ToLower(u.Hostname())) {
		return rawURL, nil
	}
	resolved, err := r.client.Resolve(ctx, rawURL)
	if err != nil {
		return "", err
	}
	r.log.Debugw("resolved short link", "from", rawURL, "to", resolved)
	return resolved, nil
}

// Parse asks the registered providers for a direct media URL. URLs no provider recognises are returned unchanged.
func (r *Resolver) Parse(ctx context.Context, rawURL string) (string, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", err
	}
	result, matched, err := r.registry.Resolve(ctx, u)
	if !matched {
		return rawURL, nil
	}
	if err != nil {
		return "", err
	}
	r.log.Debugw("parsed media URL", "from", rawURL, "to", result)
	return result, nil
}

// Lookup runs ExtractURL, Resolve and Parse in sequence.
func (r *Resolver) Lookup(ctx context.Context, text string) (string, error) {
	extracted, ok := ExtractURL(text)
	if !ok {
		return "", ErrNoURL
	}
	resolved, err := r.Resolve(ctx, extracted)
	if err != nil {
		return "", fmt.Errorf("resolve: %w", err)
	}
	return r.Parse(ctx, resolved)
}

func normalizeHosts(hosts []string) []string {
	normalized := make([]string, len(hosts))
	for i, h := range hosts {
		normalized[i] = strings.ToLower(strings.TrimSpace(h))
	}
	return normalized
}
