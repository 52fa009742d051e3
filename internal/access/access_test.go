package access_test

import (
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stormtheory/packhowl/internal/access"
)

// fakeClock lets tests walk the block window deterministically.
type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func newClock() *fakeClock {
	return &fakeClock{t: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func TestAuthenticate_WhitelistedIdentity(t *testing.T) {
	a := access.NewAuthenticator([]string{"den1", "den2"})
	assert.NoError(t, a.Authenticate("den1", "10.0.0.5"))
	assert.NoError(t, a.Authenticate("den2", "10.0.0.6"))
}

func TestAuthenticate_MissingIdentity(t *testing.T) {
	a := access.NewAuthenticator([]string{"den1"})
	err := a.Authenticate("", "10.0.0.5")
	assert.ErrorIs(t, err, access.ErrNoIdentity)
	// A missing identity does not block the source.
	assert.Equal(t, 0, a.BlockedCount())
}

func TestAuthenticate_UnknownIdentityBlocksIPForExactDuration(t *testing.T) {
	clock := newClock()
	a := access.NewAuthenticator([]string{"den1"},
		access.WithClock(clock.Now),
		access.WithBlockDuration(5*time.Minute),
	)

	err := a.Authenticate("intruder", "10.0.0.9")
	require.ErrorIs(t, err, access.ErrNotWhitelisted)
	assert.Equal(t, 1, a.BlockedCount())

	// While blocked the source is refused even with a valid identity,
	// and the blocklist check wins before certificate inspection.
	err = a.Authenticate("den1", "10.0.0.9")
	assert.ErrorIs(t, err, access.ErrBlocked)

	// Just inside the window: still denied.
	clock.Advance(5*time.Minute - time.Millisecond)
	assert.ErrorIs(t, a.Authenticate("den1", "10.0.0.9"), access.ErrBlocked)

	// Just past the window: admitted again, sweep not required first.
	clock.Advance(2 * time.Millisecond)
	assert.NoError(t, a.Authenticate("den1", "10.0.0.9"))
}

func TestAuthenticate_ExpiredEntryLeftForSweeper(t *testing.T) {
	clock := newClock()
	a := access.NewAuthenticator([]string{"den1"},
		access.WithClock(clock.Now),
		access.WithBlockDuration(time.Minute),
	)

	require.Error(t, a.Authenticate("intruder", "10.0.0.9"))
	clock.Advance(2 * time.Minute)

	// Expired but unswept: admission works, entry still counted.
	assert.NoError(t, a.Authenticate("den1", "10.0.0.9"))
	assert.Equal(t, 1, a.BlockedCount())

	a.Sweep()
	assert.Equal(t, 0, a.BlockedCount())
}

func TestSweep_KeepsLiveEntries(t *testing.T) {
	clock := newClock()
	a := access.NewAuthenticator(nil,
		access.WithClock(clock.Now),
		access.WithBlockDuration(time.Minute),
	)

	require.Error(t, a.Authenticate("x", "10.0.0.1"))
	clock.Advance(45 * time.Second)
	require.Error(t, a.Authenticate("y", "10.0.0.2"))
	clock.Advance(30 * time.Second) // first entry 75s old, second 30s old

	a.Sweep()
	assert.Equal(t, 1, a.BlockedCount())
	assert.ErrorIs(t, a.Authenticate("z", "10.0.0.2"), access.ErrBlocked)
}

func TestLoadWhitelist(t *testing.T) {
	path := filepath.Join(t.TempDir(), "whitelist.txt")
	content := "den1\n\n  den2  \nden3\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	identities, err := access.LoadWhitelist(path)
	require.NoError(t, err)
	assert.Equal(t, []string{"den1", "den2", "den3"}, identities)

	_, err = access.LoadWhitelist(filepath.Join(t.TempDir(), "missing.txt"))
	assert.Error(t, err)
}
