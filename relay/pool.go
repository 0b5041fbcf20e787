package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"golang.org/x/sync/errgroup"
)

// kind 10019 lists the relays a pubkey wants wallet events on
const KindRelayRecommendations = 10019

var ErrNoRelays = errors.New("no relays available")

const (
	defaultRequestInterval = time.Second
	maxPublishRetries      = 3
)

// Pool fans requests out to a set of relays. Publishing succeeds when
// at least one relay accepts the event, fetching returns the union of
// all relay results. Requests to a single relay are spaced out to stay
// under relay rate limits.
type Pool struct {
	mu          sync.Mutex
	relays      map[string]*Relay
	last        map[string]time.Time
	minInterval time.Duration
}

func NewPool(urls []string) *Pool {
	pool := &Pool{
		relays:      make(map[string]*Relay),
		last:        make(map[string]time.Time),
		minInterval: defaultRequestInterval,
	}
	for _, url := range urls {
		pool.AddRelay(url)
	}
	return pool
}

// SetRequestInterval overrides the minimum spacing between requests to
// a single relay.
func (p *Pool) SetRequestInterval(interval time.Duration) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if interval > 0 {
		p.minInterval = interval
	}
}

func (p *Pool) AddRelay(url string) {
	url = NormalizeURL(url)
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.relays[url]; !ok {
		p.relays[url] = NewRelay(url)
	}
}

func (p *Pool) Relays() []*Relay {
	p.mu.Lock()
	defer p.mu.Unlock()
	relays := make([]*Relay, 0, len(p.relays))
	for _, relay := range p.relays {
		relays = append(relays, relay)
	}
	return relays
}

func (p *Pool) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, relay := range p.relays {
		relay.Close()
	}
}

// NormalizeURL ensures a websocket scheme and strips trailing slashes.
func NormalizeURL(url string) string {
	url = strings.TrimSpace(url)
	url = strings.TrimSuffix(url, "/")
	if strings.HasPrefix(url, "http://") {
		url = "ws://" + strings.TrimPrefix(url, "http://")
	} else if strings.HasPrefix(url, "https://") {
		url = "wss://" + strings.TrimPrefix(url, "https://")
	} else if !strings.HasPrefix(url, "ws://") && !strings.HasPrefix(url, "wss://") {
		url = "wss://" + url
	}
	return url
}

// throttle blocks until the relay's minimum request interval elapsed.
func (p *Pool) throttle(ctx context.Context, url string) error {
	p.mu.Lock()
	wait := p.minInterval - time.Since(p.last[url])
	p.last[url] = time.Now().Add(max(wait, 0))
	p.mu.Unlock()

	if wait <= 0 {
		return nil
	}
	select {
	case <-time.After(wait):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Publish sends the event to every relay and returns nil if at least
// one accepts it. Rate-limited rejections are retried with backoff.
func (p *Pool) Publish(ctx context.Context, event *nostr.Event) error {
	relays := p.Relays()
	if len(relays) == 0 {
		return ErrNoRelays
	}

	var wg sync.WaitGroup
	results := make(chan error, len(relays))
	for _, relay := range relays {
		wg.Add(1)
		go func(relay *Relay) {
			defer wg.Done()
			results <- p.publishWithRetry(ctx, relay, event)
		}(relay)
	}
	wg.Wait()
	close(results)

	var errs []error
	for err := range results {
		if err == nil {
			return nil
		}
		errs = append(errs, err)
	}
	return fmt.Errorf("all relays failed: %w", errors.Join(errs...))
}

func (p *Pool) publishWithRetry(ctx context.Context, relay *Relay, event *nostr.Event) error {
	backoff := time.Second
	var err error
	for attempt := 0; attempt < maxPublishRetries; attempt++ {
		if err = p.throttle(ctx, relay.URL); err != nil {
			return err
		}
		err = relay.Publish(ctx, event)
		if err == nil {
			return nil
		}
		if !errors.Is(err, ErrRelayRejected) || !strings.Contains(err.Error(), "rate-limit") {
			return err
		}
		slog.Debug("relay rate limited, backing off", "relay", relay.URL, "attempt", attempt)
		jitter := time.Duration(rand.Int63n(int64(backoff / 2)))
		select {
		case <-time.After(backoff + jitter):
		case <-ctx.Done():
			return ctx.Err()
		}
		backoff *= 2
	}
	return err
}

// Fetch queries every relay and returns the union of results, with
// duplicate event ids removed. It fails only if every relay failed.
func (p *Pool) Fetch(ctx context.Context, filters []nostr.Filter) ([]*nostr.Event, error) {
	relays := p.Relays()
	if len(relays) == 0 {
		return nil, ErrNoRelays
	}

	var mu sync.Mutex
	seen := make(map[string]bool)
	var events []*nostr.Event
	errs := make([]error, len(relays))

	g, gctx := errgroup.WithContext(ctx)
	for i, relay := range relays {
		i, relay := i, relay
		g.Go(func() error {
			if err := p.throttle(gctx, relay.URL); err != nil {
				errs[i] = err
				return nil
			}
			relayEvents, err := relay.Fetch(gctx, filters)
			errs[i] = err
			mu.Lock()
			defer mu.Unlock()
			for _, event := range relayEvents {
				if !seen[event.ID] {
					seen[event.ID] = true
					events = append(events, event)
				}
			}
			return nil
		})
	}
	g.Wait()

	allFailed := true
	for _, err := range errs {
		if err == nil {
			allFailed = false
		}
	}
	if allFailed {
		return events, fmt.Errorf("all relays failed: %w", errors.Join(errs...))
	}
	return events, nil
}

// DiscoverRelays looks up the kind 10019 relay recommendations of a
// pubkey and returns the relay urls found there.
func (p *Pool) DiscoverRelays(ctx context.Context, pubkey string) ([]string, error) {
	events, err := p.Fetch(ctx, []nostr.Filter{{
		Authors: []string{pubkey},
		Kinds:   []int{KindRelayRecommendations},
		Limit:   1,
	}})
	if err != nil {
		return nil, err
	}

	var latest *nostr.Event
	for _, event := range events {
		if latest == nil || event.CreatedAt > latest.CreatedAt {
			latest = event
		}
	}
	if latest == nil {
		return nil, nil
	}

	var urls []string
	for _, tag := range latest.Tags {
		if len(tag) >= 2 && tag[0] == "relay" {
			urls = append(urls, NormalizeURL(tag[1]))
		}
	}
	return urls, nil
}
