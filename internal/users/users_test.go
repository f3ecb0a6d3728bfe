package users

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleUsers = `
Alice:
  other_name:
    - ally
    - al
  email:
    - alice@example.com
  emby_url: http://emby.local:8096
  emby_api_key: key123
  enable_email_notification: true
  avatar: https://example.com/alice.png
  bark_urls:
    - server: https://bark.example.com/devicekey
      click_url_template: http://emby.local:8096/web/index.html#!/item?id={id}
Bob: {}
`

func writeUsers(t *testing.T, content string) *Directory {
	t.Helper()
	path := filepath.Join(t.TempDir(), "users.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return NewDirectory(path)
}

func TestLoad(t *testing.T) {
	dir := writeUsers(t, sampleUsers)

	users, err := dir.Load()
	require.NoError(t, err)
	require.Len(t, users, 2)

	alice := users["Alice"]
	require.NotNil(t, alice)
	assert.Equal(t, []string{"ally", "al"}, alice.OtherNames)
	assert.Equal(t, []string{"alice@example.com"}, alice.Email)
	assert.True(t, alice.EnableEmailNotification)
	require.Len(t, alice.BarkURLs, 1)
	assert.Equal(t, "https://bark.example.com/devicekey", alice.BarkURLs[0].Server)

	// Users declared with an empty mapping get a usable zero config.
	require.NotNil(t, users["Bob"])
}

func TestLoadRejectsBarkEndpointWithoutServer(t *testing.T) {
	dir := writeUsers(t, `
Alice:
  bark_urls:
    - click_url_template: http://x/{id}
`)
	_, err := dir.Load()
	assert.ErrorContains(t, err, "bark endpoint missing server")
}

func TestNormalize(t *testing.T) {
	dir := writeUsers(t, sampleUsers)

	for _, name := range []string{"Alice", "alice", "ALLY", " al "} {
		canonical, err := dir.Normalize(name)
		require.NoError(t, err, "name %q", name)
		assert.Equal(t, "Alice", canonical)
	}

	canonical, err := dir.Normalize("bob")
	require.NoError(t, err)
	assert.Equal(t, "Bob", canonical)

	_, err = dir.Normalize("charlie")
	assert.ErrorIs(t, err, ErrUnknownUser)

	_, err = dir.Normalize("  ")
	assert.ErrorIs(t, err, ErrUnknownUser)
}

func TestGet(t *testing.T) {
	dir := writeUsers(t, sampleUsers)

	u, err := dir.Get("Alice")
	require.NoError(t, err)
	assert.Equal(t, "key123", u.EmbyAPIKey)

	_, err = dir.Get("nobody")
	assert.ErrorIs(t, err, ErrUnknownUser)
}
