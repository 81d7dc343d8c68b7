// Package oracle queries the external quota/permission service for
// (child, activity) verdicts and subscribes to its push state-change
// stream, caching verdicts for 60s so a transient outage degrades reads
// instead of failing them outright (§4.2/§7).
package oracle

import (
	"context"
	"sync"
	"time"

	"guardloop/internal/clockutil"
	"guardloop/internal/config"
	"guardloop/internal/corerr"
	"guardloop/internal/model"
	"guardloop/pkg/logger"
)

type cacheKey struct {
	childID  string
	activity model.ActivityKind
}

type cacheEntry struct {
	verdict   model.OracleVerdict
	fetchedAt time.Time
}

// Client is the Oracle Client (§4.2): non-mutating checks with a TTL
// cache, plus a reconnecting subscription to push state changes.
type Client struct {
	transport Transport
	clock     clockutil.Clock
	cacheTTL  time.Duration
	retry     RetryPolicy

	mu    sync.Mutex
	cache map[cacheKey]cacheEntry

	stateChange chan model.OracleVerdict
	closeCh     chan struct{}
	closeOnce   sync.Once
}

// New builds a Client from infra config, defaulting to the real HTTP
// transport. clock lets tests drive the cache TTL and reconnect backoff
// deterministically.
func New(cfg config.OracleConfig, clock clockutil.Clock) *Client {
	return NewWithTransport(NewHTTPTransport(cfg.BaseURL, cfg.Timeout), cfg.CacheTTL, clock)
}

// NewWithTransport builds a Client against an explicit Transport, for
// tests substituting a fake.
func NewWithTransport(transport Transport, cacheTTL time.Duration, clock clockutil.Clock) *Client {
	if clock == nil {
		clock = clockutil.System{}
	}
	return &Client{
		transport:   transport,
		clock:       clock,
		cacheTTL:    cacheTTL,
		retry:       DefaultRetryPolicy(),
		cache:       make(map[cacheKey]cacheEntry),
		stateChange: make(chan model.OracleVerdict, 32),
		closeCh:     make(chan struct{}),
	}
}

// Check queries the oracle for (childID, activity). On transport failure
// it falls back to the last cached verdict: within the TTL the cached
// verdict is returned as current (nil error); beyond the TTL it is
// returned with Stale=true alongside corerr.OracleUnavailable, so read
// paths can surface staleness while enforcement paths treat the error as
// a reason to defer new Logout intents (§7).
func (c *Client) Check(ctx context.Context, childID string, activity model.ActivityKind) (model.OracleVerdict, error) {
	key := cacheKey{childID: childID, activity: activity}

	verdict, err := c.transport.FetchVerdict(ctx, childID, activity)
	if err == nil {
		c.store(key, verdict)
		return verdict, nil
	}

	c.mu.Lock()
	entry, ok := c.cache[key]
	c.mu.Unlock()
	if !ok {
		return model.OracleVerdict{}, corerr.OracleUnavailable(childID, err)
	}

	age := c.clock.Now().Sub(entry.fetchedAt)
	if age <= c.cacheTTL {
		return entry.verdict, nil
	}

	stale := entry.verdict
	stale.Stale = true
	return stale, corerr.OracleUnavailable(childID, err)
}

func (c *Client) store(key cacheKey, verdict model.OracleVerdict) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cache[key] = cacheEntry{verdict: verdict, fetchedAt: c.clock.Now()}
}

// StateChange returns the channel the Planner should select on for
// unsolicited oracle-initiated verdict changes (§4.6 coherence triggers).
func (c *Client) StateChange() <-chan model.OracleVerdict {
	return c.stateChange
}

// Subscribe starts the reconnecting read loop in the background. Call
// once; Close stops it.
func (c *Client) Subscribe(ctx context.Context) {
	go c.subscribeLoop(ctx)
}

func (c *Client) subscribeLoop(ctx context.Context) {
	attempt := 0
	for {
		select {
		case <-ctx.Done():
			return
		case <-c.closeCh:
			return
		default:
		}

		stream, err := c.transport.OpenStateChangeStream(ctx)
		if err != nil {
			logger.Warn().Err(err).Int("attempt", attempt).Msg("oracle state-change stream unavailable, backing off")
			if !c.sleep(ctx, c.retry.NextDelay(attempt)) {
				return
			}
			attempt++
			continue
		}
		attempt = 0

		for {
			verdict, err := stream.Next(ctx)
			if err != nil {
				stream.Close()
				logger.Warn().Err(err).Msg("oracle state-change stream dropped, reconnecting")
				break
			}
			c.store(cacheKey{childID: verdict.ChildID, activity: verdict.Activity}, verdict)
			select {
			case c.stateChange <- verdict:
			case <-ctx.Done():
				stream.Close()
				return
			case <-c.closeCh:
				stream.Close()
				return
			}
		}

		if !c.sleep(ctx, c.retry.NextDelay(attempt)) {
			return
		}
		attempt++
	}
}

func (c *Client) sleep(ctx context.Context, d time.Duration) bool {
	timer := c.clock.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C():
		return true
	case <-ctx.Done():
		return false
	case <-c.closeCh:
		return false
	}
}

// Close stops the subscription loop.
func (c *Client) Close() {
	c.closeOnce.Do(func() { close(c.closeCh) })
}
