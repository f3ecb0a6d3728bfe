package server

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// proactiveRefreshWindow forces a token refresh when the remaining validity
// served to a client would be under this.
const proactiveRefreshWindow = 30 * time.Minute

func (s *Server) getToken(c *gin.Context) {
	expiresAt := s.tokens.ExpiresAt()
	if time.Until(expiresAt) < proactiveRefreshWindow {
		if _, err := s.tokens.Refresh(); err == nil {
			expiresAt = s.tokens.ExpiresAt()
		}
	}

	tok, err := s.tokens.Get()
	if err != nil || tok == "" {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "error", "message": "token unavailable"})
		return
	}

	storefront := s.cfg.API.DefaultStorefront
	c.JSON(http.StatusOK, gin.H{
		"token":      tok,
		"expires_in": int(time.Until(expiresAt).Seconds()),
		"expires_at": expiresAt.Format(time.RFC3339),
		"storefront": storefront,
		"language":   s.cfg.API.Storefronts[storefront],
	})
}

func (s *Server) getAvatar(c *gin.Context) {
	name := c.Query("username")
	if name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "缺少用户名"})
		return
	}

	canonical, err := s.users.Normalize(name)
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "用户不存在"})
		return
	}

	user, err := s.users.Get(canonical)
	if err != nil || user.Avatar == "" {
		c.JSON(http.StatusNotFound, gin.H{"status": "error", "message": "用户未配置头像"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":            "success",
		"standard_username": canonical,
		"avatar_url":        user.Avatar,
	})
}
