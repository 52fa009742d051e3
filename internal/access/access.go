// Package access enforces the server's admission policy: a static
// certificate-CN whitelist plus a time-boxed IP blocklist fed by failed
// authentication attempts.
package access

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"
)

// DefaultBlockDuration is how long a source IP stays blocked after a
// failed whitelist check. DefaultSweepInterval bounds blocklist memory:
// the periodic sweep is the only place entries are removed.
const (
	DefaultBlockDuration = 5 * time.Minute
	DefaultSweepInterval = 60 * time.Second
)

var (
	ErrBlocked        = errors.New("access: source ip is blocked")
	ErrNoIdentity     = errors.New("access: certificate carries no identity")
	ErrNotWhitelisted = errors.New("access: identity not in whitelist")
)

// Authenticator is safe for concurrent use by the accept loop and the
// background sweeper.
type Authenticator struct {
	mu            sync.Mutex
	whitelist     map[string]struct{}
	blocked       map[string]time.Time // ip → time the block was set
	blockDuration time.Duration
	now           func() time.Time
}

// Option configures an Authenticator.
type Option func(*Authenticator)

// WithClock injects a time source. Used by tests to pin the block window.
func WithClock(now func() time.Time) Option {
	return func(a *Authenticator) { a.now = now }
}

// WithBlockDuration overrides DefaultBlockDuration.
func WithBlockDuration(d time.Duration) Option {
	return func(a *Authenticator) { a.blockDuration = d }
}

func NewAuthenticator(whitelist []string, opts ...Option) *Authenticator {
	a := &Authenticator{
		whitelist:     make(map[string]struct{}, len(whitelist)),
		blocked:       make(map[string]time.Time),
		blockDuration: DefaultBlockDuration,
		now:           time.Now,
	}
	for _, cn := range whitelist {
		a.whitelist[cn] = struct{}{}
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// LoadWhitelist reads a newline-delimited identity file. Blank lines are
// skipped. The result is loaded once at startup and read-only thereafter.
func LoadWhitelist(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("access: open whitelist: %w", err)
	}
	defer f.Close()

	var identities []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line != "" {
			identities = append(identities, line)
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("access: read whitelist: %w", err)
	}
	return identities, nil
}

// Authenticate decides admission for a TLS peer. The blocklist is checked
// first so blocked sources are refused without certificate inspection. A
// failed whitelist check records the source IP in the blocklist. Expired
// block entries admit the peer but are left for the sweeper to remove.
func (a *Authenticator) Authenticate(identity, ip string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if setAt, ok := a.blocked[ip]; ok {
		if a.now().Sub(setAt) < a.blockDuration {
			return ErrBlocked
		}
	}
	if identity == "" {
		return ErrNoIdentity
	}
	if _, ok := a.whitelist[identity]; !ok {
		a.blocked[ip] = a.now()
		return ErrNotWhitelisted
	}
	return nil
}

// Sweep purges expired blocklist entries.
func (a *Authenticator) Sweep() {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := a.now()
	for ip, setAt := range a.blocked {
		if now.Sub(setAt) >= a.blockDuration {
			delete(a.blocked, ip)
		}
	}
}

// Run sweeps the blocklist on a fixed interval until ctx is done.
func (a *Authenticator) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			a.Sweep()
		}
	}
}

// BlockedCount reports the current blocklist size for stats and metrics.
func (a *Authenticator) BlockedCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.blocked)
}
