package executor

import (
	"fmt"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/lyjw131/amdl/internal/lockfile"
)

// SourceRenderer produces the YAML document fed to the downloader on stdin.
// It reads the shared source.yaml template under its file lock, rotates
// through the list-valued port fields so concurrent subprocesses get distinct
// ports, injects the current API token, and substitutes {user}.
type SourceRenderer struct {
	path string

	mu         sync.Mutex
	decryptIdx int
	getIdx     int
}

const (
	decryptPortKey = "decrypt-m3u8-port"
	getPortKey     = "get-m3u8-port"
	apiTokenKey    = "api_token"
	userPlace      = "{user}"
)

func NewSourceRenderer(path string) *SourceRenderer {
	return &SourceRenderer{path: path}
}

// Render returns the serialized downloader config for one subprocess.
func (r *SourceRenderer) Render(user, apiToken string) ([]byte, error) {
	var doc map[string]any
	if err := lockfile.ReadYAML(r.path, &doc); err != nil {
		return nil, fmt.Errorf("reading downloader config: %w", err)
	}
	if doc == nil {
		return nil, fmt.Errorf("downloader config %s is empty", r.path)
	}

	r.mu.Lock()
	doc[decryptPortKey] = r.pickPort(doc[decryptPortKey], &r.decryptIdx)
	doc[getPortKey] = r.pickPort(doc[getPortKey], &r.getIdx)
	r.mu.Unlock()

	doc[apiTokenKey] = apiToken
	substituted := substituteUser(doc, user)

	out, err := yaml.Marshal(substituted)
	if err != nil {
		return nil, fmt.Errorf("encoding downloader config: %w", err)
	}
	return out, nil
}

// pickPort round-robins over a list-valued port field; scalar values pass
// through unchanged.
func (r *SourceRenderer) pickPort(v any, idx *int) any {
	list, ok := v.([]any)
	if !ok || len(list) == 0 {
		return v
	}
	picked := list[*idx%len(list)]
	*idx++
	return picked
}

// substituteUser replaces {user} in every string value, recursing through
// nested maps and lists.
func substituteUser(v any, user string) any {
	switch val := v.(type) {
	case string:
		return strings.ReplaceAll(val, userPlace, user)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = substituteUser(item, user)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = substituteUser(item, user)
		}
		return out
	default:
		return v
	}
}
