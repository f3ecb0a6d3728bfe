// Package users reads the user directory (users.yaml) and resolves submitted
// user names against canonical names and their aliases.
package users

import (
	"errors"
	"fmt"
	"strings"

	"github.com/lyjw131/amdl/internal/lockfile"
)

var ErrUnknownUser = errors.New("unknown user")

// BarkEndpoint is one push-notification target for a user.
type BarkEndpoint struct {
	Server           string `yaml:"server"`
	ClickURLTemplate string `yaml:"click_url_template"`
}

// User is one entry of users.yaml, keyed by its canonical name.
type User struct {
	OtherNames              []string       `yaml:"other_name"`
	Email                   []string       `yaml:"email"`
	EmbyURL                 string         `yaml:"emby_url"`
	EmbyAPIKey              string         `yaml:"emby_api_key"`
	BarkURLs                []BarkEndpoint `yaml:"bark_urls"`
	EnableEmailNotification bool           `yaml:"enable_email_notification"`
	Avatar                  string         `yaml:"avatar"`
}

// Directory resolves names against users.yaml. The file is re-read on every
// call so edits take effect without a restart; reads go through the shared
// file lock because the scheduler process reads the same file.
type Directory struct {
	path string
}

func NewDirectory(path string) *Directory {
	return &Directory{path: path}
}

// Load returns the full directory keyed by canonical name.
func (d *Directory) Load() (map[string]*User, error) {
	var users map[string]*User
	if err := lockfile.ReadYAML(d.path, &users); err != nil {
		return nil, fmt.Errorf("reading user directory: %w", err)
	}
	for name, u := range users {
		if u == nil {
			users[name] = &User{}
			continue
		}
		for _, b := range u.BarkURLs {
			if b.Server == "" {
				return nil, fmt.Errorf("user %s: bark endpoint missing server", name)
			}
		}
	}
	return users, nil
}

// Normalize maps a submitted name to its canonical form, matching the
// canonical name itself and every other_name alias case-insensitively.
func (d *Directory) Normalize(name string) (string, error) {
	users, err := d.Load()
	if err != nil {
		return "", err
	}
	needle := strings.ToLower(strings.TrimSpace(name))
	if needle == "" {
		return "", ErrUnknownUser
	}
	for canonical, u := range users {
		if strings.ToLower(canonical) == needle {
			return canonical, nil
		}
		for _, alias := range u.OtherNames {
			if strings.ToLower(alias) == needle {
				return canonical, nil
			}
		}
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownUser, name)
}

// Get returns the configuration for a canonical user name.
func (d *Directory) Get(canonical string) (*User, error) {
	users, err := d.Load()
	if err != nil {
		return nil, err
	}
	u, ok := users[canonical]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownUser, canonical)
	}
	return u, nil
}
