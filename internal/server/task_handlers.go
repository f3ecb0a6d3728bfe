package server

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/lyjw131/amdl/internal/domain"
)

// Rejection reasons surfaced in failure_summary. These strings are part of
// the client contract.
const (
	reasonInvalidLink      = "无效的链接"
	reasonUnsupportedStore = "不支持的地区"
	reasonBatchDuplicate   = "请求内重复"
	reasonQueueDuplicate   = "队列中已存在"
)

// maxListTimeout bounds the long-poll wait.
const maxListTimeout = 60

type submitItem struct {
	Link string `json:"link" binding:"required"`
}

// submitTasks accepts a batch of links for one user, appends placeholder
// records for the valid ones, and kicks off a metadata resolver per
// acceptance.
func (s *Server) submitTasks(c *gin.Context) {
	userName := c.GetHeader(userHeader)
	if userName == "" {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "缺少用户标识"})
		return
	}

	canonical, err := s.users.Normalize(userName)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": fmt.Sprintf("未知用户: %s", userName)})
		return
	}

	var items []submitItem
	if err := c.ShouldBindJSON(&items); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": err.Error()})
		return
	}
	if len(items) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"status": "error", "message": "空的任务列表"})
		return
	}

	type candidate struct {
		link       string
		info       domain.LinkInfo
		orderIndex int
	}

	var (
		candidates     []candidate
		failureSummary = map[string]int{}
		seen           = map[string]struct{}{}
	)

	for i, item := range items {
		link := domain.StripSongParam(item.Link)

		info, err := domain.ParseLink(link)
		if err != nil {
			failureSummary[reasonInvalidLink]++
			continue
		}
		if _, ok := s.cfg.API.Storefronts[info.Storefront]; !ok {
			failureSummary[reasonUnsupportedStore]++
			continue
		}
		if _, dup := seen[link]; dup {
			failureSummary[reasonBatchDuplicate]++
			continue
		}
		seen[link] = struct{}{}
		candidates = append(candidates, candidate{link: link, info: info, orderIndex: i})
	}

	// Queue-duplicate detection and the placeholder appends happen under one
	// lock acquisition so a concurrent submission cannot interleave.
	var accepted []*domain.Task
	err = s.store.Mutate(func(tasks []*domain.Task) ([]*domain.Task, error) {
		for _, cand := range candidates {
			dup := false
			for _, t := range tasks {
				if t.User == canonical && t.Link == cand.link && !t.IsTerminal() {
					dup = true
					break
				}
			}
			if dup {
				failureSummary[reasonQueueDuplicate]++
				continue
			}
			task := &domain.Task{
				UUID:       uuid.NewString(),
				User:       canonical,
				Link:       cand.link,
				LinkInfo:   cand.info,
				Status:     domain.StatusPendingMeta,
				SubmitTime: domain.Now(),
				OrderIndex: cand.orderIndex,
			}
			tasks = append(tasks, task)
			accepted = append(accepted, task)
		}
		return tasks, nil
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	for _, task := range accepted {
		go s.resolver.Resolve(context.Background(), task.UUID)
	}

	failed := len(items) - len(accepted)
	status := "success"
	switch {
	case len(accepted) == 0:
		status = "failure"
	case failed > 0:
		status = "partial_success"
	}

	c.JSON(http.StatusOK, gin.H{
		"status":          status,
		"message":         fmt.Sprintf("接受 %d 个任务，拒绝 %d 个", len(accepted), failed),
		"accepted_count":  len(accepted),
		"failed_count":    failed,
		"failure_summary": failureSummary,
	})
}

// listTasks returns the queue, optionally long-polling while it is empty.
func (s *Server) listTasks(c *gin.Context) {
	wait := c.Query("wait") == "true"
	timeout, err := strconv.Atoi(c.DefaultQuery("timeout", "30"))
	if err != nil || timeout < 0 {
		timeout = 30
	}
	if timeout > maxListTimeout {
		timeout = maxListTimeout
	}

	tasks, err := s.store.Load()
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
		return
	}

	if wait && len(tasks) == 0 && timeout > 0 {
		changed := s.store.Changed()
		select {
		case <-changed:
			tasks, err = s.store.Load()
			if err != nil {
				c.JSON(http.StatusInternalServerError, gin.H{"status": "error", "message": err.Error()})
				return
			}
		case <-time.After(time.Duration(timeout) * time.Second):
		case <-c.Request.Context().Done():
			return
		}
	}

	c.JSON(http.StatusOK, tasks)
}
