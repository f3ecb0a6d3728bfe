package server

import (
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
)

// proxySearch forwards catalog searches upstream with the service token,
// serving cached responses unless the client opts out.
func (s *Server) proxySearch(c *gin.Context) {
	storefront := c.GetHeader("X-Storefront")
	if storefront == "" {
		storefront = s.cfg.API.DefaultStorefront
	}
	lang, ok := s.cfg.API.Storefronts[storefront]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": fmt.Sprintf("不支持的地区: %s", storefront)})
		return
	}

	useCache := c.GetHeader("X-Use-Cache") != "false"
	params := c.Request.URL.Query()

	if useCache {
		if data, hit := s.cache.Lookup(storefront, params); hit {
			c.Data(http.StatusOK, "application/json", data)
			return
		}
	}

	tok, err := s.tokens.Get()
	if err != nil || tok == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "token unavailable"})
		return
	}

	params.Set("l", lang)
	searchURL := fmt.Sprintf("%s/v1/catalog/%s/search?%s", s.cfg.API.BaseURL, storefront, params.Encode())

	req, err := http.NewRequestWithContext(c.Request.Context(), http.MethodGet, searchURL, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}
	req.Header.Set("Authorization", "Bearer "+tok)
	req.Header.Set("Origin", "https://music.apple.com")
	req.Header.Set("User-Agent", s.cfg.API.UserAgent)

	resp, err := s.searchClient.Do(req)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": err.Error()})
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"status": "error", "message": err.Error()})
		return
	}

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		if err := s.tokens.Invalidate(); err != nil {
			slog.Error("token invalidation failed", "error", err)
		}
		c.JSON(http.StatusUnauthorized, gin.H{"status": "error", "message": "token invalid"})

	case resp.StatusCode == http.StatusOK:
		if err := s.cache.Store(storefront, c.Request.URL.Query(), body); err != nil {
			slog.Warn("caching search response failed", "error", err)
		}
		c.Data(http.StatusOK, "application/json", body)

	default:
		// The cache must never hide upstream errors; pass them through.
		c.Data(resp.StatusCode, resp.Header.Get("Content-Type"), body)
	}
}
