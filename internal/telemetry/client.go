// Package telemetry implements the shell's usage-telemetry client: a
// persistent, bounded, opt-in queue of event packets delivered to a single
// HTTP endpoint on a timer.
//
// Durability model: the queue is saved after every enqueue and after every
// delivery outcome, never immediately before a POST. A crash mid-request
// loses that one packet rather than counting it twice.
package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/benbjohnson/clock"
	"github.com/solatis/telemetryd/internal/types"
)

// Store persists the client identity, the consent state, and the queue.
// Implemented by store.SQL and store.Memory.
type Store interface {
	ClientID() (string, bool, error)
	SetClientID(id string) error
	OptIn() (types.OptIn, error)
	SetOptIn(v types.OptIn) error
	LoadQueue() ([]types.PacketInfo, error)
	SaveQueue(queue []types.PacketInfo) error
}

// Transport performs single HTTP requests. Implemented by transport.HTTP.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, headers map[string]string) (int, error)
	Get(ctx context.Context, url string) (int, error)
}

// Client owns the packet queue and both delivery timers.
// Safe for concurrent use; the shell may call AddEvent from any goroutine.
type Client struct {
	store     Store
	transport Transport
	opts      Options
	clock     clock.Clock
	log       *slog.Logger
	metrics   *Metrics

	// mu guards clientID, optIn and queue, and is held across every store write
	mu       sync.Mutex
	clientID string
	optIn    types.OptIn
	queue    []types.PacketInfo

	online  atomic.Bool
	state   atomic.Int32
	probeMu sync.Mutex

	// lifecycle orders spawn against Dispose so wg.Add never races wg.Wait
	lifecycle      sync.Mutex
	disposed       atomic.Bool
	stop           chan struct{}
	wg             sync.WaitGroup
	probeTimer     *clock.Timer
	deliveryTicker *clock.Ticker
	networkTicker  *clock.Ticker
}

// New loads the client's persisted state and starts both timers.
// Store read or write failures here are returned: without a working store
// the client cannot promise durability.
func New(store Store, transport Transport, opts Options) (*Client, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport cannot be nil")
	}
	opts = opts.withDefaults()

	c := &Client{
		store:     store,
		transport: transport,
		opts:      opts,
		clock:     opts.Clock,
		log:       opts.Logger.With("component", "telemetry"),
		metrics:   opts.Metrics,
		stop:      make(chan struct{}),
	}

	if err := c.loadClientID(opts.ClientID); err != nil {
		return nil, err
	}
	if err := c.loadOptIn(opts.OptIn); err != nil {
		return nil, err
	}

	queue, err := store.LoadQueue()
	if err != nil {
		return nil, fmt.Errorf("load queue: %w", err)
	}
	c.queue = queue
	c.metrics.setQueueLength(len(queue))

	c.start()
	return c, nil
}

func (c *Client) loadClientID(explicit string) error {
	if explicit != "" {
		if err := c.store.SetClientID(explicit); err != nil {
			return fmt.Errorf("save client ID: %w", err)
		}
		c.clientID = explicit
		return nil
	}

	id, ok, err := c.store.ClientID()
	if err != nil {
		return fmt.Errorf("load client ID: %w", err)
	}
	if !ok {
		id = string(types.NewClientID())
		if err := c.store.SetClientID(id); err != nil {
			return fmt.Errorf("save client ID: %w", err)
		}
	}
	c.clientID = id
	return nil
}

func (c *Client) loadOptIn(explicit types.OptIn) error {
	if explicit != types.OptInUndecided {
		if err := c.store.SetOptIn(explicit); err != nil {
			return fmt.Errorf("save opt-in: %w", err)
		}
		c.optIn = explicit
		return nil
	}

	v, err := c.store.OptIn()
	if err != nil {
		return fmt.Errorf("load opt-in: %w", err)
	}
	c.optIn = v
	return nil
}

// start schedules a probe at time 0 and both periodic timers.
func (c *Client) start() {
	if c.opts.Paused {
		return
	}
	c.deliveryTicker = c.clock.Ticker(c.opts.DeliveryInterval)
	c.networkTicker = c.clock.Ticker(c.opts.NetworkCheckInterval)
	c.probeTimer = c.clock.AfterFunc(0, func() {
		c.spawn(func(ctx context.Context) { c.UpdateNetworkStatus(ctx) })
	})

	c.wg.Add(1)
	go c.run()
}

func (c *Client) run() {
	defer c.wg.Done()
	for {
		select {
		case <-c.stop:
			return
		case <-c.deliveryTicker.C:
			c.spawn(func(ctx context.Context) { c.AttemptDelivery(ctx) })
		case <-c.networkTicker.C:
			c.spawn(func(ctx context.Context) { c.UpdateNetworkStatus(ctx) })
		}
	}
}

// spawn runs fn in its own goroutine unless the client is disposed.
// Each timer tick gets its own goroutine so a tick that lands during an
// active delivery pass reaches the state check and becomes a no-op.
func (c *Client) spawn(fn func(ctx context.Context)) {
	c.lifecycle.Lock()
	if c.disposed.Load() {
		c.lifecycle.Unlock()
		return
	}
	c.wg.Add(1)
	c.lifecycle.Unlock()

	go func() {
		defer c.wg.Done()
		fn(context.Background())
	}()
}

// Dispose stops both timers and waits for timer-started work to finish.
// An in-flight POST completes and its outcome is persisted; the delivery
// chain then stops instead of taking the next packet. Do not use the client afterward.
func (c *Client) Dispose() {
	c.lifecycle.Lock()
	if c.disposed.Swap(true) {
		c.lifecycle.Unlock()
		return
	}
	c.lifecycle.Unlock()

	if c.probeTimer != nil {
		c.probeTimer.Stop()
		c.deliveryTicker.Stop()
		c.networkTicker.Stop()
	}
	close(c.stop)
	c.wg.Wait()
}

// AddEvent enqueues an event for delivery. It never blocks on the network
// and never fails: events recorded while the user is not opted in are kept
// and simply not drained.
//
// Automatic fields (see types.Field*) are filled first; fields overrides any
// of them on key collision.
func (c *Client) AddEvent(name string, fields map[string]any) {
	if c.disposed.Load() {
		c.log.Warn("dropping event recorded after dispose", "name", name)
		return
	}

	now := c.clock.Now()
	_, offset := now.Zone()

	packet := types.Packet{
		types.FieldClientID:     c.ClientID(),
		types.FieldID:           string(types.NewPacketID()),
		types.FieldName:         name,
		types.FieldPlatform:     c.opts.Platform,
		types.FieldTimestamp:    now.UnixMilli(),
		types.FieldUserTimezone: -offset / 60,
	}
	maps.Copy(packet, fields)

	// Freeze the packet in its wire form so later caller mutations cannot
	// leak into the queue and an unencodable field cannot poison queue saves.
	frozen, err := freeze(packet)
	if err != nil {
		c.log.Error("dropping event that cannot be encoded", "name", name, "err", err)
		c.metrics.dropped(dropUnencodable, 1)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.queue = append(c.queue, types.PacketInfo{Attempts: 0, Packet: frozen})
	c.enforceLimitLocked()
	c.metrics.eventEnqueued()
	c.saveQueueLocked()
}

func freeze(packet types.Packet) (types.Packet, error) {
	body, err := json.Marshal(packet)
	if err != nil {
		return nil, err
	}
	return types.DecodePacket(body)
}

// enforceLimitLocked drops the oldest entries until the queue fits.
func (c *Client) enforceLimitLocked() {
	over := len(c.queue) - c.opts.QueueLimit
	if over > 0 {
		c.queue = append([]types.PacketInfo(nil), c.queue[over:]...)
		c.metrics.dropped(dropQueueLimit, over)
		c.log.Debug("queue limit reached, dropped oldest packets", "dropped", over, "limit", c.opts.QueueLimit)
	}
	c.metrics.setQueueLength(len(c.queue))
}

// saveQueueLocked persists the queue. Failures are logged, not returned:
// the in-memory queue stays authoritative and the next save retries.
func (c *Client) saveQueueLocked() {
	if err := c.store.SaveQueue(c.queue); err != nil {
		c.log.Error("failed to save telemetry queue", "queue_length", len(c.queue), "err", err)
	}
}

// DidOptIn returns the consent state exactly as persisted, including Undecided.
func (c *Client) DidOptIn() types.OptIn {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.optIn
}

// SetDidOptIn records an explicit decision and persists it.
// The in-memory state changes even if the write fails, so an opt-out takes
// effect for this process regardless. The queue is never cleared here.
// After Dispose it returns types.ErrDisposed and changes nothing.
func (c *Client) SetDidOptIn(v bool) error {
	if c.disposed.Load() {
		return types.ErrDisposed
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.optIn = types.OptInFromBool(v)
	if err := c.store.SetOptIn(c.optIn); err != nil {
		return fmt.Errorf("save opt-in: %w", err)
	}
	return nil
}

// ClientID returns the installation's identity.
func (c *Client) ClientID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.clientID
}

// ServerURL returns the delivery endpoint.
func (c *Client) ServerURL() string {
	return c.opts.ServerURL
}

// NetworkOnline reports the result of the most recent connectivity probe.
func (c *Client) NetworkOnline() bool {
	return c.online.Load()
}

// Queue returns a copy of the pending packets in delivery order.
func (c *Client) Queue() []types.PacketInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.PacketInfo, len(c.queue))
	copy(out, c.queue)
	return out
}

// QueueLength returns the number of pending packets.
func (c *Client) QueueLength() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}
