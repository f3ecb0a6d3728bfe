// Package notify fans out per-task and summary notifications: Emby library
// refresh, Bark push endpoints, and SMTP summary emails. Everything here is
// best-effort; failures are logged and never block task termination.
package notify

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/lyjw131/amdl/config"
	"github.com/lyjw131/amdl/internal/domain"
	"github.com/lyjw131/amdl/internal/users"
)

type Notifier struct {
	smtp  config.SMTPConfig
	bark  config.BarkConfig
	users *users.Directory

	http *http.Client

	// Emby indexes new albums asynchronously; the album-id query polls.
	embyQueryRetries  int
	embyQueryInterval time.Duration
}

func New(smtp config.SMTPConfig, bark config.BarkConfig, dir *users.Directory) *Notifier {
	return &Notifier{
		smtp:              smtp,
		bark:              bark,
		users:             dir,
		http:              &http.Client{Timeout: 15 * time.Second},
		embyQueryRetries:  120,
		embyQueryInterval: 500 * time.Millisecond,
	}
}

// TaskCompleted delivers the per-task notifications for one terminal task.
func (n *Notifier) TaskCompleted(task *domain.Task, success bool) {
	user, err := n.users.Get(task.User)
	if err != nil {
		slog.Warn("no notification config for user", "user", task.User, "error", err)
		return
	}

	if success && user.EmbyURL != "" && user.EmbyAPIKey != "" {
		n.embyRefresh(user, task)
	}

	if len(user.BarkURLs) == 0 {
		return
	}

	// The album id is queried once and shared across endpoints.
	albumID := ""
	if success && task.LinkInfo.Type == domain.TypeAlbum && user.EmbyURL != "" && user.EmbyAPIKey != "" {
		albumID = n.queryEmbyAlbumID(user.EmbyURL, user.EmbyAPIKey, task.DisplayName())
	}

	for _, endpoint := range user.BarkURLs {
		n.sendBark(endpoint, task, success, albumID)
	}
}

func (n *Notifier) embyRefresh(user *users.User, task *domain.Task) {
	refreshURL := trimSlash(user.EmbyURL) + "/emby/Library/Refresh"

	req, err := http.NewRequest(http.MethodPost, refreshURL, nil)
	if err != nil {
		slog.Error("building emby refresh request failed", "uuid", task.UUID, "error", err)
		return
	}
	req.Header.Set("X-Emby-Token", user.EmbyAPIKey)
	req.Header.Set("X-Emby-Authorization", `MediaBrowser Client="AMDL", Device="AMDL", DeviceId="AMDL", Version="1.0.0"`)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := n.http.Do(req)
	if err != nil {
		slog.Error("emby refresh failed", "uuid", task.UUID, "url", refreshURL, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		slog.Error("emby refresh rejected", "uuid", task.UUID, "status", resp.StatusCode)
		return
	}
	slog.Info("emby refresh triggered", "uuid", task.UUID, "user", task.User)
}

// queryEmbyAlbumID resolves the library id of a just-downloaded album so the
// push notification can deep-link to it. Returns "" when the album does not
// appear within the polling budget.
func (n *Notifier) queryEmbyAlbumID(embyURL, apiKey, albumName string) string {
	if albumName == "" {
		return ""
	}

	searchURL := trimSlash(embyURL) + "/emby/Items"
	params := url.Values{}
	params.Set("SearchTerm", albumName)
	params.Set("IncludeItemTypes", "Audio")
	params.Set("Recursive", "true")
	params.Set("Fields", "Id,Name,AlbumId")

	type embyItem struct {
		Name    string `json:"Name"`
		ID      string `json:"Id"`
		Album   string `json:"Album"`
		AlbumID string `json:"AlbumId"`
	}
	type embyResponse struct {
		Items []embyItem `json:"Items"`
	}

	for attempt := 0; attempt < n.embyQueryRetries; attempt++ {
		req, err := http.NewRequest(http.MethodGet, searchURL+"?"+params.Encode(), nil)
		if err != nil {
			return ""
		}
		req.Header.Set("X-Emby-Token", apiKey)
		req.Header.Set("Accept", "application/json")

		resp, err := n.http.Do(req)
		if err == nil {
			var body embyResponse
			decodeErr := json.NewDecoder(resp.Body).Decode(&body)
			resp.Body.Close()
			if decodeErr == nil {
				for _, item := range body.Items {
					if item.Album == albumName && item.AlbumID != "" {
						return item.AlbumID
					}
				}
			}
		} else {
			slog.Warn("emby album query failed", "attempt", attempt+1, "error", err)
		}

		if attempt < n.embyQueryRetries-1 {
			time.Sleep(n.embyQueryInterval)
		}
	}
	slog.Warn("album not found in emby", "album", albumName)
	return ""
}

func (n *Notifier) sendBark(endpoint users.BarkEndpoint, task *domain.Task, success bool, albumID string) {
	statusText := "下载成功"
	if !success {
		statusText = "下载失败"
	}
	info := fmt.Sprintf("%s「%s」%s", task.TypeNameZH(), task.DisplayName(), statusText)

	clickURL := n.resolveClickURL(endpoint, task, success, albumID)

	path := n.bark.Path
	if path == "" {
		path = "/Apple-Music-Downloader/{info}"
	}
	notifyPath := replaceInfo(path, info)

	params := url.Values{}
	params.Set("icon", n.bark.Icon)
	if clickURL != "" {
		params.Set("url", clickURL)
	}

	fullURL := trimSlash(endpoint.Server) + notifyPath + "?" + params.Encode()

	resp, err := n.http.Post(fullURL, "", nil)
	if err != nil {
		slog.Error("bark notification failed", "uuid", task.UUID, "error", err)
		return
	}
	resp.Body.Close()
	if resp.StatusCode >= 400 {
		slog.Error("bark notification rejected", "uuid", task.UUID, "status", resp.StatusCode)
		return
	}
	slog.Info("bark notification sent", "uuid", task.UUID, "user", task.User)
}

// resolveClickURL picks the notification's tap target: the Emby album page
// for a successful album, otherwise the task's own link, otherwise the
// configured site.
func (n *Notifier) resolveClickURL(endpoint users.BarkEndpoint, task *domain.Task, success bool, albumID string) string {
	if endpoint.ClickURLTemplate != "" && success && task.LinkInfo.Type == domain.TypeAlbum && albumID != "" {
		return replaceID(endpoint.ClickURLTemplate, albumID)
	}
	if task.Metadata != nil && task.Metadata.URL != "" {
		return task.Metadata.URL
	}
	if task.Link != "" {
		return task.Link
	}
	return n.bark.SiteURL
}

func trimSlash(s string) string {
	return strings.TrimRight(s, "/")
}

func replaceInfo(template, info string) string {
	return strings.ReplaceAll(template, "{info}", url.PathEscape(info))
}

func replaceID(template, id string) string {
	return strings.ReplaceAll(template, "{id}", id)
}
