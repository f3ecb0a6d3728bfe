// Package applemusic is the upstream catalog client: it fetches resource
// metadata for submitted links, applies the retry policy, and reduces raw
// API responses to the filtered per-type views stored on task records.
package applemusic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/time/rate"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/domain"
)

var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidLanguageTag = errors.New("invalid language tag")
	ErrUnknownStorefront  = errors.New("storefront not configured")

	// ErrMetadataFailed is the terminal error after retries are exhausted;
	// its reason string is what lands on the task record.
	ErrMetadataFailed = errors.New("元数据获取失败")
)

// invalidLanguageTagCode is the upstream error code for a bad l= parameter.
const invalidLanguageTagCode = "40005"

// TokenSource provides bearer tokens and accepts invalidation on 401/403.
type TokenSource interface {
	Get() (string, error)
	Invalidate() error
}

type Client struct {
	cfg     config.APIConfig
	tokens  TokenSource
	http    *http.Client
	limiter *rate.Limiter

	sleep func(time.Duration)
}

func NewClient(cfg config.APIConfig, tokens TokenSource) *Client {
	return &Client{
		cfg:     cfg,
		tokens:  tokens,
		http:    &http.Client{Timeout: time.Duration(cfg.TimeoutSeconds) * time.Second},
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerSecond), 1),
		sleep:   time.Sleep,
	}
}

// Language returns the l= parameter value for a storefront.
func (c *Client) Language(storefront string) (string, error) {
	lang, ok := c.cfg.Storefronts[storefront]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownStorefront, storefront)
	}
	return lang, nil
}

func resourcePath(info domain.LinkInfo) (string, url.Values, error) {
	params := url.Values{}
	switch info.Type {
	case domain.TypeAlbum:
		params.Set("include", "tracks")
		return fmt.Sprintf("/v1/catalog/%s/albums/%s", info.Storefront, info.ID), params, nil
	case domain.TypePlaylist:
		params.Set("include", "tracks,curator")
		return fmt.Sprintf("/v1/catalog/%s/playlists/%s", info.Storefront, info.ID), params, nil
	case domain.TypeSong:
		params.Set("include", "albums")
		return fmt.Sprintf("/v1/catalog/%s/songs/%s", info.Storefront, info.ID), params, nil
	case domain.TypeMusicVideo:
		return fmt.Sprintf("/v1/catalog/%s/music-videos/%s", info.Storefront, info.ID), params, nil
	default:
		return "", nil, fmt.Errorf("unsupported link type %q", info.Type)
	}
}

// FetchMetadata resolves a link into its filtered metadata view. Transient
// upstream conditions (429, 5xx, timeouts) are retried with the configured
// delay; a 401/403 invalidates the token and earns one immediate free retry;
// 404 and invalid-language-tag responses fail without retrying.
func (c *Client) FetchMetadata(ctx context.Context, info domain.LinkInfo) (*domain.Metadata, error) {
	lang, err := c.Language(info.Storefront)
	if err != nil {
		return nil, err
	}

	path, params, err := resourcePath(info)
	if err != nil {
		return nil, err
	}
	params.Set("l", lang)

	raw, err := c.fetchWithRetry(ctx, path, params)
	if err != nil {
		return nil, err
	}
	return filterMetadata(info, raw)
}

func (c *Client) fetchWithRetry(ctx context.Context, path string, params url.Values) (*resourceResponse, error) {
	retryDelay := time.Duration(c.cfg.RetryDelaySeconds) * time.Second
	tokenRetried := false

	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		resp, err := c.doRequest(ctx, path, params)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			slog.Warn("metadata request failed", "path", path, "attempt", attempt+1, "error", err)
			c.sleep(retryDelay)
			continue
		}

		switch {
		case resp.status == http.StatusOK:
			return resp.body, nil

		case resp.status == http.StatusUnauthorized || resp.status == http.StatusForbidden:
			slog.Warn("metadata request rejected, invalidating token", "status", resp.status)
			if err := c.tokens.Invalidate(); err != nil {
				slog.Error("token invalidation failed", "error", err)
			}
			if !tokenRetried {
				// The first auth failure gets a free retry with a fresh token.
				tokenRetried = true
				attempt--
			}
			lastErr = fmt.Errorf("upstream status %d", resp.status)

		case resp.status == http.StatusNotFound:
			return nil, ErrNotFound

		case resp.status == http.StatusBadRequest:
			if resp.body != nil && resp.body.hasErrorCode(invalidLanguageTagCode) {
				return nil, ErrInvalidLanguageTag
			}
			return nil, fmt.Errorf("upstream rejected request: status 400")

		case resp.status == http.StatusTooManyRequests:
			backoff := retryDelay * time.Duration(attempt+1) * 2
			slog.Warn("metadata request throttled", "attempt", attempt+1, "backoff", backoff)
			lastErr = fmt.Errorf("upstream status 429")
			c.sleep(backoff)
			continue

		case resp.status >= 500:
			lastErr = fmt.Errorf("upstream status %d", resp.status)
			slog.Warn("metadata request failed upstream", "status", resp.status, "attempt", attempt+1)
			c.sleep(retryDelay)
			continue

		default:
			return nil, fmt.Errorf("unexpected upstream status %d", resp.status)
		}
	}
	return nil, fmt.Errorf("%w: %v", ErrMetadataFailed, lastErr)
}

type apiResult struct {
	status int
	body   *resourceResponse
}

func (c *Client) doRequest(ctx context.Context, path string, params url.Values) (*apiResult, error) {
	tok, err := c.tokens.Get()
	if err != nil {
		return nil, fmt.Errorf("acquiring token: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.BaseURL+path+"?"+params.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Origin", "https://music.apple.com")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	result := &apiResult{status: resp.StatusCode}
	if len(data) > 0 {
		var body resourceResponse
		if err := json.Unmarshal(data, &body); err != nil {
			if resp.StatusCode == http.StatusOK {
				return nil, fmt.Errorf("malformed upstream response: %w", err)
			}
		} else {
			result.body = &body
		}
	}
	return result, nil
}
