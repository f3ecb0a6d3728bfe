// Package token maintains the upstream API bearer token. The token is scraped
// from the public web player (landing page -> legacy JS bundle -> embedded
// JWT), persisted next to the other shared config files, and refreshed
// proactively by a background worker.
package token

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"sync"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/gocolly/colly"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/lockfile"
)

var (
	ErrNoBundle = errors.New("no script bundle found on landing page")
	ErrNoToken  = errors.New("no token found in script bundle")
)

// fallbackTokenPattern matches any JWT-shaped string; used when the
// configured pattern finds nothing in the bundle.
var fallbackTokenPattern = regexp.MustCompile(`eyJ[a-zA-Z0-9+/_\-.]+`)

// Record is the persisted token file: the token plus the local time it was
// fetched. Valid while now < timestamp + validity window.
type Record struct {
	Token     string    `json:"token"`
	Timestamp time.Time `json:"timestamp"`
}

type Manager struct {
	cfg       config.TokenConfig
	path      string
	userAgent string

	bundleRe *regexp.Regexp
	tokenRe  *regexp.Regexp

	// refreshMu is taken with TryLock: concurrent callers get the cached
	// value instead of queuing behind an in-flight scrape.
	refreshMu sync.Mutex

	failMu      sync.Mutex
	lastFailure time.Time

	now   func() time.Time
	fetch func() (string, error)
}

func NewManager(cfg config.TokenConfig, path, userAgent string) (*Manager, error) {
	bundleRe, err := regexp.Compile(cfg.BundlePattern)
	if err != nil {
		return nil, fmt.Errorf("compiling bundle pattern: %w", err)
	}
	tokenRe, err := regexp.Compile(cfg.TokenPattern)
	if err != nil {
		return nil, fmt.Errorf("compiling token pattern: %w", err)
	}

	m := &Manager{
		cfg:       cfg,
		path:      path,
		userAgent: userAgent,
		bundleRe:  bundleRe,
		tokenRe:   tokenRe,
		now:       time.Now,
	}
	m.fetch = m.scrape
	return m, nil
}

func (m *Manager) validity() time.Duration {
	return time.Duration(m.cfg.ValidityHours) * time.Hour
}

func (m *Manager) load() (Record, error) {
	var rec Record
	if err := lockfile.ReadJSON(m.path, &rec); err != nil {
		return Record{}, err
	}
	return rec, nil
}

// Get returns a valid token, refreshing first when the persisted one has
// expired. A refresh already in flight, or a recent failure inside the
// cool-down window, makes Get return the stale token unchanged.
func (m *Manager) Get() (string, error) {
	rec, err := m.load()
	if err == nil && rec.Token != "" && m.now().Before(rec.Timestamp.Add(m.validity())) {
		return rec.Token, nil
	}
	return m.Refresh()
}

// ExpiresAt returns the current token's expiry time, or the zero time when no
// token is persisted.
func (m *Manager) ExpiresAt() time.Time {
	rec, err := m.load()
	if err != nil || rec.Token == "" {
		return time.Time{}
	}
	return rec.Timestamp.Add(m.validity())
}

// Invalidate backdates the persisted timestamp so the next Get forces a
// fresh scrape. Called by clients after an upstream 401/403.
func (m *Manager) Invalidate() error {
	err := lockfile.Update(m.path, func(rec Record) (Record, error) {
		rec.Timestamp = time.Time{}
		return rec, nil
	})
	if err != nil {
		return fmt.Errorf("invalidating token: %w", err)
	}
	slog.Info("api token invalidated")
	return nil
}

// Refresh scrapes a fresh token. Exactly one scrape runs at a time; losers of
// the try-lock and callers inside the failure cool-down receive the cached
// (possibly expired) token instead.
func (m *Manager) Refresh() (string, error) {
	if !m.refreshMu.TryLock() {
		rec, _ := m.load()
		return rec.Token, nil
	}
	defer m.refreshMu.Unlock()

	m.failMu.Lock()
	coolingDown := m.now().Sub(m.lastFailure) < time.Duration(m.cfg.RetryDelaySeconds)*time.Second
	m.failMu.Unlock()
	if coolingDown {
		rec, _ := m.load()
		return rec.Token, nil
	}

	tok, err := m.fetch()
	if err != nil {
		m.failMu.Lock()
		m.lastFailure = m.now()
		m.failMu.Unlock()
		slog.Error("token refresh failed", "error", err)
		rec, _ := m.load()
		return rec.Token, err
	}

	rec := Record{Token: tok, Timestamp: m.now()}
	if err := lockfile.WriteJSON(m.path, rec); err != nil {
		return tok, fmt.Errorf("persisting token: %w", err)
	}
	slog.Info("api token refreshed", "expires_at", rec.Timestamp.Add(m.validity()))
	return tok, nil
}

// Run refreshes the token whenever the remaining validity drops under the
// configured threshold. Blocks until ctx is done.
func (m *Manager) Run(ctx context.Context) {
	interval := time.Duration(m.cfg.CheckIntervalMinutes) * time.Minute
	threshold := time.Duration(m.cfg.RefreshThresholdMinutes) * time.Minute

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			expiry := m.ExpiresAt()
			if expiry.IsZero() || time.Until(expiry) < threshold {
				if _, err := m.Refresh(); err != nil {
					slog.Warn("background token refresh failed", "error", err)
				}
			}
		}
	}
}

// scrape performs the two-step fetch: locate the legacy JS bundle on the
// landing page, then pull a JWT-shaped token out of it.
func (m *Manager) scrape() (string, error) {
	bundleURL, err := m.findBundle()
	if err != nil {
		return "", err
	}

	body, err := m.get(bundleURL)
	if err != nil {
		return "", fmt.Errorf("fetching bundle %s: %w", bundleURL, err)
	}

	tok := m.tokenRe.FindString(body)
	if tok == "" {
		tok = fallbackTokenPattern.FindString(body)
	}
	if tok == "" {
		return "", fmt.Errorf("%w: %s", ErrNoToken, bundleURL)
	}

	// Structural sanity check only; the upstream API is the real validator.
	if _, err := jwt.Parse([]byte(tok), jwt.WithVerify(false), jwt.WithValidate(false)); err != nil {
		return "", fmt.Errorf("scraped token is not a JWT: %w", err)
	}
	return tok, nil
}

func (m *Manager) findBundle() (string, error) {
	var (
		bundleURL string
		visitErr  error
	)

	c := colly.NewCollector(colly.AllowURLRevisit())
	c.OnRequest(func(r *colly.Request) {
		r.Headers.Set("User-Agent", m.userAgent)
		r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
		r.Headers.Set("Accept-Language", "en-US,en;q=0.5")
	})
	c.OnError(func(r *colly.Response, err error) {
		visitErr = err
	})
	c.OnResponse(func(r *colly.Response) {
		doc, err := goquery.NewDocumentFromReader(bytes.NewReader(r.Body))
		if err != nil {
			visitErr = err
			return
		}
		doc.Find("script[src]").EachWithBreak(func(_ int, sel *goquery.Selection) bool {
			src, _ := sel.Attr("src")
			if m.bundleRe.MatchString(src) {
				bundleURL = r.Request.AbsoluteURL(src)
				return false
			}
			return true
		})
		if bundleURL == "" {
			// Some page variants inline the reference; fall back to a raw
			// pattern scan of the document.
			if match := m.bundleRe.FindString(string(r.Body)); match != "" {
				bundleURL = r.Request.AbsoluteURL(match)
			}
		}
	})

	if err := c.Visit(m.cfg.LandingURL); err != nil {
		return "", fmt.Errorf("fetching landing page: %w", err)
	}
	if visitErr != nil {
		return "", fmt.Errorf("fetching landing page: %w", visitErr)
	}
	if bundleURL == "" {
		return "", ErrNoBundle
	}
	return bundleURL, nil
}

func (m *Manager) get(url string) (string, error) {
	client := &http.Client{Timeout: 20 * time.Second}
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("User-Agent", m.userAgent)

	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("unexpected status %s", resp.Status)
	}
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", err
	}
	return string(body), nil
}
