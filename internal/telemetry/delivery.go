package telemetry

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/solatis/telemetryd/internal/types"
)

// Delivery states. Only one pass may hold stateDelivering at a time.
const (
	stateIdle int32 = iota
	stateDelivering
)

// StatusError reports a response other than 200 OK from the telemetry service.
type StatusError struct {
	StatusCode int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("telemetry service returned HTTP %d", e.StatusCode)
}

// AttemptDelivery runs one serial delivery pass, draining the queue until it
// is empty, the user is not opted in, the network is offline, or the client
// is disposed. It returns false without doing anything if a pass is already
// running.
func (c *Client) AttemptDelivery(ctx context.Context) bool {
	if !c.state.CompareAndSwap(stateIdle, stateDelivering) {
		c.log.Debug("delivery pass already running")
		return false
	}
	defer c.state.Store(stateIdle)

	for {
		if ctx.Err() != nil || c.disposed.Load() {
			return true
		}
		if !c.online.Load() {
			return true
		}

		info, ok := c.popHead()
		if !ok {
			return true
		}

		err := c.post(ctx, info.Packet)
		c.settle(info, err)
	}
}

// popHead takes the next packet off the queue and counts the attempt.
// The queue is deliberately not saved here; see the package comment.
func (c *Client) popHead() (info types.PacketInfo, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.optIn.Bool() || len(c.queue) == 0 {
		return types.PacketInfo{}, false
	}
	head := c.queue[0]
	c.queue = c.queue[1:]
	head.Attempts++
	c.metrics.setQueueLength(len(c.queue))
	return head, true
}

func (c *Client) post(ctx context.Context, packet types.Packet) error {
	body, err := json.Marshal(packet)
	if err != nil {
		return fmt.Errorf("encode packet: %w", err)
	}

	ctx, cancel := c.clock.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	status, err := c.transport.Post(ctx, c.opts.ServerURL, body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return &StatusError{StatusCode: status}
	}
	return nil
}

// settle records the outcome of one POST and persists the queue.
func (c *Client) settle(info types.PacketInfo, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	switch {
	case err == nil:
		c.metrics.delivered()
		c.log.Debug("delivered telemetry packet",
			"name", info.Packet.Name(), "id", info.Packet.ID(), "attempts", info.Attempts)

	case info.Attempts >= c.opts.DeliveryAttemptLimit:
		c.metrics.deliveryFailed()
		c.metrics.dropped(dropAttemptLimit, 1)
		c.log.Warn("dropping telemetry packet after final attempt",
			"name", info.Packet.Name(), "id", info.Packet.ID(), "attempts", info.Attempts, "err", err)

	default:
		c.metrics.deliveryFailed()
		c.log.Debug("telemetry delivery failed, requeueing",
			"name", info.Packet.Name(), "id", info.Packet.ID(), "attempts", info.Attempts, "err", err)
		c.queue = append(c.queue, info)
		c.enforceLimitLocked()
	}

	c.metrics.setQueueLength(len(c.queue))
	c.saveQueueLocked()
}

// UpdateNetworkStatus probes the server URL and records whether it answered
// 200 OK. Concurrent calls are serialised. Returns the new status.
func (c *Client) UpdateNetworkStatus(ctx context.Context) bool {
	c.probeMu.Lock()
	defer c.probeMu.Unlock()

	ctx, cancel := c.clock.WithTimeout(ctx, c.opts.RequestTimeout)
	defer cancel()

	status, err := c.transport.Get(ctx, c.opts.ServerURL)
	online := err == nil && status == http.StatusOK

	if was := c.online.Swap(online); was != online {
		c.log.Info("telemetry network status changed", "online", online)
	}
	c.log.Debug("network probe finished", "online", online, "status", status, "err", err)
	c.metrics.setNetworkOnline(online)

	if c.opts.OnNetworkStatus != nil {
		c.opts.OnNetworkStatus(online)
	}
	return online
}
