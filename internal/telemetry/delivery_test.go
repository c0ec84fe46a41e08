// internal/telemetry/delivery_test.go
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/solatis/telemetryd/internal/core/store"
	"github.com/solatis/telemetryd/internal/types"
)

// onlineClient returns an opted-in client whose last probe succeeded.
func onlineClient(t *testing.T, st Store, tr *fakeTransport, opts Options) *Client {
	t.Helper()
	opts.OptIn = types.OptedIn
	c, _ := newTestClient(t, st, tr, opts)
	if !c.UpdateNetworkStatus(context.Background()) {
		t.Fatal("UpdateNetworkStatus() = false, want true")
	}
	return c
}

func TestAttemptDelivery_DrainsInOrder(t *testing.T) {
	st := store.NewMemory()
	tr := newFakeTransport()
	c := onlineClient(t, st, tr, Options{})

	c.AddEvent("A", nil)
	c.AddEvent("B", nil)
	c.AddEvent("C", nil)

	if !c.AttemptDelivery(context.Background()) {
		t.Fatal("AttemptDelivery() = false, want true")
	}
	if got := tr.postedNames(); !equalStrings(got, []string{"A", "B", "C"}) {
		t.Errorf("posted = %v, want [A B C]", got)
	}
	if c.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d, want 0", c.QueueLength())
	}
	saved, _ := st.LoadQueue()
	if len(saved) != 0 {
		t.Errorf("persisted queue length = %d, want 0", len(saved))
	}
}

func TestAttemptDelivery_PostsPacketAsQueued(t *testing.T) {
	tr := newFakeTransport()
	c := onlineClient(t, store.NewMemory(), tr, Options{})
	c.AddEvent("project::load", map[string]any{"projectName": "Pong", "spriteCount": 3})
	queued := c.Queue()[0].Packet

	c.AttemptDelivery(context.Background())

	if tr.postCount() != 1 {
		t.Fatalf("posts = %d, want 1", tr.postCount())
	}
	posted := tr.posts[0]
	for k, v := range queued {
		if posted[k] != v {
			t.Errorf("posted[%q] = %#v, want %#v", k, posted[k], v)
		}
	}
	if len(posted) != len(queued) {
		t.Errorf("posted %d fields, want %d", len(posted), len(queued))
	}
}

func TestAttemptDelivery_AttemptLimit(t *testing.T) {
	tests := []struct {
		name    string
		status  int
		err     error
		limit   int
		wantPos int
	}{
		{"server error", 500, nil, 3, 3},
		{"transport error", 0, errors.New("connection refused"), 3, 3},
		{"non-200 success code", 204, nil, 2, 2},
		{"single attempt", 503, nil, 1, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st := store.NewMemory()
			tr := newFakeTransport()
			tr.postStatus, tr.postErr = tt.status, tt.err
			c := onlineClient(t, st, tr, Options{DeliveryAttemptLimit: tt.limit})

			c.AddEvent("X", nil)
			c.AttemptDelivery(context.Background())

			if tr.postCount() != tt.wantPos {
				t.Errorf("posts = %d, want %d", tr.postCount(), tt.wantPos)
			}
			if c.QueueLength() != 0 {
				t.Errorf("QueueLength() = %d, want 0 after final attempt", c.QueueLength())
			}
			saved, _ := st.LoadQueue()
			if len(saved) != 0 {
				t.Errorf("persisted queue length = %d, want 0", len(saved))
			}
		})
	}
}

func TestAttemptDelivery_FailedPacketGoesToTail(t *testing.T) {
	tr := newFakeTransport()
	tr.postStatus = 500
	c := onlineClient(t, store.NewMemory(), tr, Options{DeliveryAttemptLimit: 2})

	c.AddEvent("A", nil)
	c.AddEvent("B", nil)
	c.AttemptDelivery(context.Background())

	if got := tr.postedNames(); !equalStrings(got, []string{"A", "B", "A", "B"}) {
		t.Errorf("posted = %v, want [A B A B]", got)
	}
}

func TestAttemptDelivery_ResumesWhenBackOnline(t *testing.T) {
	tr := newFakeTransport()
	c := onlineClient(t, store.NewMemory(), tr, Options{})
	c.AddEvent("A", nil)

	tr.getStatus = 503
	c.UpdateNetworkStatus(context.Background())
	c.AttemptDelivery(context.Background())
	if tr.postCount() != 0 {
		t.Fatalf("posts while offline = %d, want 0", tr.postCount())
	}

	tr.getStatus = 200
	c.UpdateNetworkStatus(context.Background())
	c.AttemptDelivery(context.Background())

	if tr.postCount() != 1 || c.QueueLength() != 0 {
		t.Errorf("posts = %d, queue = %d, want 1 and 0", tr.postCount(), c.QueueLength())
	}
	if got := tr.posts[0]; got.Name() != "A" {
		t.Errorf("posted %q, want A", got.Name())
	}
}

func TestAttemptDelivery_OptedOutDoesNotPost(t *testing.T) {
	for _, optIn := range []types.OptIn{types.OptedOut, types.OptInUndecided} {
		t.Run(optIn.String(), func(t *testing.T) {
			tr := newFakeTransport()
			c, _ := newTestClient(t, store.NewMemory(), tr, Options{OptIn: optIn})
			c.UpdateNetworkStatus(context.Background())
			c.AddEvent("A", nil)
			c.AddEvent("B", nil)

			c.AttemptDelivery(context.Background())

			if tr.postCount() != 0 {
				t.Errorf("posts = %d, want 0", tr.postCount())
			}
			if got := queueNames(c.Queue()); !equalStrings(got, []string{"A", "B"}) {
				t.Errorf("queue = %v, want [A B]", got)
			}
		})
	}
}

func TestAttemptDelivery_OfflineDoesNotPost(t *testing.T) {
	tests := []struct {
		name   string
		status int
		err    error
	}{
		{"probe error", 0, errors.New("no route to host")},
		{"probe non-200", 502, nil},
		{"never probed", -1, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tr := newFakeTransport()
			c, _ := newTestClient(t, store.NewMemory(), tr, Options{OptIn: types.OptedIn})
			if tt.status >= 0 {
				tr.getStatus, tr.getErr = tt.status, tt.err
				if c.UpdateNetworkStatus(context.Background()) {
					t.Fatal("UpdateNetworkStatus() = true, want false")
				}
			}
			c.AddEvent("A", nil)

			c.AttemptDelivery(context.Background())

			if tr.postCount() != 0 {
				t.Errorf("posts = %d, want 0", tr.postCount())
			}
			if q := c.Queue(); len(q) != 1 || q[0].Attempts != 0 {
				t.Errorf("queue = %+v, want one untouched packet", q)
			}
		})
	}
}

func TestAttemptDelivery_OptInToggleFlushesHistory(t *testing.T) {
	tr := newFakeTransport()
	c, _ := newTestClient(t, store.NewMemory(), tr, Options{OptIn: types.OptedOut})
	c.UpdateNetworkStatus(context.Background())

	c.AddEvent("A", nil)
	c.AddEvent("B", nil)
	c.AttemptDelivery(context.Background())
	if tr.postCount() != 0 {
		t.Fatalf("posts while opted out = %d, want 0", tr.postCount())
	}

	if err := c.SetDidOptIn(true); err != nil {
		t.Fatal(err)
	}
	c.AttemptDelivery(context.Background())

	if got := tr.postedNames(); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("posted = %v, want [A B]", got)
	}
	if c.QueueLength() != 0 {
		t.Errorf("QueueLength() = %d, want 0", c.QueueLength())
	}
}

func TestAttemptDelivery_NotReentrant(t *testing.T) {
	tr := newFakeTransport()
	c := onlineClient(t, store.NewMemory(), tr, Options{})
	c.AddEvent("A", nil)

	entered, release := tr.blockPosts()
	defer release()

	done := make(chan bool)
	go func() { done <- c.AttemptDelivery(context.Background()) }()
	<-entered

	if c.AttemptDelivery(context.Background()) {
		t.Error("second AttemptDelivery() = true during an active pass, want false")
	}

	release()
	if !<-done {
		t.Error("first AttemptDelivery() = false, want true")
	}
	if tr.postCount() != 1 {
		t.Errorf("posts = %d, want 1", tr.postCount())
	}
	if !c.AttemptDelivery(context.Background()) {
		t.Error("AttemptDelivery() after the pass ended = false, want true")
	}
}

func TestAttemptDelivery_EnqueueDuringPost(t *testing.T) {
	tr := newFakeTransport()
	c := onlineClient(t, store.NewMemory(), tr, Options{})
	c.AddEvent("A", nil)

	entered, release := tr.blockPosts()
	done := make(chan bool)
	go func() { done <- c.AttemptDelivery(context.Background()) }()
	<-entered

	// AddEvent never waits on the network.
	c.AddEvent("B", nil)
	release()
	<-done

	if got := tr.postedNames(); !equalStrings(got, []string{"A", "B"}) {
		t.Errorf("posted = %v, want [A B]", got)
	}
}

func TestAttemptDelivery_PersistsAfterEachOutcome(t *testing.T) {
	st := store.NewMemory()
	tr := newFakeTransport()
	c := onlineClient(t, st, tr, Options{})
	c.AddEvent("A", nil)
	c.AddEvent("B", nil)

	before := st.Saves()
	c.AttemptDelivery(context.Background())

	if got := st.Saves() - before; got != 2 {
		t.Errorf("saves during pass = %d, want 2", got)
	}
}

func TestAttemptDelivery_RequestTimeout(t *testing.T) {
	tr := newFakeTransport()
	c, mock := newTestClient(t, store.NewMemory(), tr, Options{
		OptIn:                types.OptedIn,
		RequestTimeout:       5 * time.Second,
		DeliveryAttemptLimit: 1,
	})
	c.UpdateNetworkStatus(context.Background())
	c.AddEvent("A", nil)

	deadlineSeen := make(chan time.Time, 1)
	slow := &deadlineTransport{fakeTransport: tr, seen: deadlineSeen}
	c.transport = slow

	c.AttemptDelivery(context.Background())

	want := mock.Now().Add(5 * time.Second)
	if got := <-deadlineSeen; !got.Equal(want) {
		t.Errorf("request deadline = %v, want %v", got, want)
	}
}

type deadlineTransport struct {
	*fakeTransport
	seen chan time.Time
}

func (d *deadlineTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	dl, _ := ctx.Deadline()
	d.seen <- dl
	return d.fakeTransport.Post(ctx, url, body, headers)
}

func TestUpdateNetworkStatus_Hook(t *testing.T) {
	tr := newFakeTransport()
	var seen []bool
	c, _ := newTestClient(t, store.NewMemory(), tr, Options{
		OnNetworkStatus: func(online bool) { seen = append(seen, online) },
	})

	c.UpdateNetworkStatus(context.Background())
	tr.getStatus = 500
	c.UpdateNetworkStatus(context.Background())

	if len(seen) != 2 || !seen[0] || seen[1] {
		t.Errorf("hook saw %v, want [true false]", seen)
	}
	if c.NetworkOnline() {
		t.Error("NetworkOnline() = true, want false")
	}
}

func TestTimers_ProbeAtStartAndPeriodicDelivery(t *testing.T) {
	tr := newFakeTransport()
	c, mock := newTestClient(t, store.NewMemory(), tr, Options{
		OptIn:                types.OptedIn,
		DeliveryInterval:     10 * time.Second,
		NetworkCheckInterval: time.Hour,
	})
	c.AddEvent("A", nil)

	mock.Add(0)
	waitFor(t, "startup probe", c.NetworkOnline)
	if tr.postCount() != 0 {
		t.Fatalf("posts before first delivery tick = %d, want 0", tr.postCount())
	}

	mock.Add(10 * time.Second)
	waitFor(t, "timer-driven delivery", func() bool { return tr.postCount() == 1 })

	if tr.getCount() != 1 {
		t.Errorf("probes = %d, want 1 before the network check interval", tr.getCount())
	}
	mock.Add(time.Hour)
	waitFor(t, "periodic probe", func() bool { return tr.getCount() >= 2 })
}

func TestDispose_StopsTimers(t *testing.T) {
	tr := newFakeTransport()
	c, mock := newTestClient(t, store.NewMemory(), tr, Options{
		OptIn:            types.OptedIn,
		DeliveryInterval: time.Second,
	})
	c.AddEvent("A", nil)
	c.Dispose()

	mock.Add(time.Minute)
	time.Sleep(20 * time.Millisecond)

	if tr.getCount() != 0 || tr.postCount() != 0 {
		t.Errorf("after Dispose: probes = %d, posts = %d, want 0 and 0", tr.getCount(), tr.postCount())
	}
}

func TestDispose_WaitsForInFlightPost(t *testing.T) {
	st := store.NewMemory()
	tr := newFakeTransport()
	c, mock := newTestClient(t, st, tr, Options{
		OptIn:            types.OptedIn,
		DeliveryInterval: time.Second,
	})
	c.UpdateNetworkStatus(context.Background())
	c.AddEvent("A", nil)
	c.AddEvent("B", nil)

	entered, release := tr.blockPosts()
	mock.Add(time.Second)
	<-entered

	disposed := make(chan struct{})
	go func() {
		c.Dispose()
		close(disposed)
	}()

	select {
	case <-disposed:
		t.Fatal("Dispose() returned while a POST was in flight")
	case <-time.After(20 * time.Millisecond):
	}

	release()
	<-disposed

	if tr.postCount() != 1 {
		t.Errorf("posts = %d, want 1; the chain should stop after the in-flight POST", tr.postCount())
	}
	saved, _ := st.LoadQueue()
	if got := queueNames(saved); !equalStrings(got, []string{"B"}) {
		t.Errorf("persisted queue = %v, want [B]", got)
	}
}

func TestMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := NewMetrics(reg)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	tr := newFakeTransport()
	c := onlineClient(t, store.NewMemory(), tr, Options{Metrics: m, QueueLimit: 2, DeliveryAttemptLimit: 1})
	c.AddEvent("A", nil)
	c.AddEvent("B", nil)
	c.AddEvent("C", nil)

	if got := testutil.ToFloat64(m.queueLength); got != 2 {
		t.Errorf("queue_length = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.packetsDropped.WithLabelValues(dropQueueLimit)); got != 1 {
		t.Errorf("dropped{queue_limit} = %v, want 1", got)
	}

	tr.postStatus = 500
	c.AttemptDelivery(context.Background())

	checks := []struct {
		name string
		c    prometheus.Collector
		want float64
	}{
		{"events_enqueued_total", m.eventsEnqueued, 3},
		{"delivery_failures_total", m.deliveryFailures, 2},
		{"packets_delivered_total", m.packetsDelivered, 0},
		{"dropped{attempt_limit}", m.packetsDropped.WithLabelValues(dropAttemptLimit), 2},
		{"queue_length", m.queueLength, 0},
		{"network_online", m.networkOnline, 1},
	}
	for _, tt := range checks {
		if got := testutil.ToFloat64(tt.c); got != tt.want {
			t.Errorf("%s = %v, want %v", tt.name, got, tt.want)
		}
	}

	if _, err := NewMetrics(reg); err == nil {
		t.Error("registering twice should fail")
	}
}

// Property-based test: the queue never exceeds its limit and keeps the newest events
func TestAddEvent_PropertyQueueBound(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("queue holds the newest min(n, limit) events", prop.ForAll(
		func(limit int, n int) bool {
			c, _ := newTestClient(t, store.NewMemory(), newFakeTransport(), Options{QueueLimit: limit})
			defer c.Dispose()

			for i := 0; i < n; i++ {
				c.AddEvent(fmt.Sprintf("e%d", i), nil)
				if c.QueueLength() > limit {
					return false
				}
			}

			q := c.Queue()
			want := min(n, limit)
			if len(q) != want {
				return false
			}
			for i, info := range q {
				if info.Packet.Name() != fmt.Sprintf("e%d", n-want+i) {
					return false
				}
			}
			return true
		},
		gen.IntRange(1, 10),
		gen.IntRange(0, 30),
	))

	properties.TestingRun(t)
}

// Property-based test: no resident packet ever reaches the attempt limit
func TestAttemptDelivery_PropertyAttemptsBelowLimit(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("attempts stay below the limit and every packet is accounted for", prop.ForAll(
		func(limit int, outcomes []bool) bool {
			tr := &scriptedTransport{outcomes: outcomes}
			c, _ := newTestClient(t, store.NewMemory(), tr, Options{
				OptIn:                types.OptedIn,
				DeliveryAttemptLimit: limit,
			})
			defer c.Dispose()
			c.UpdateNetworkStatus(context.Background())

			const events = 4
			for i := 0; i < events; i++ {
				c.AddEvent(fmt.Sprintf("e%d", i), nil)
			}

			// Each pass runs until the queue drains, so one pass settles every packet.
			c.AttemptDelivery(context.Background())
			for _, info := range c.Queue() {
				if info.Attempts >= limit {
					return false
				}
			}
			if c.QueueLength() != 0 {
				return false
			}
			// Every packet was posted at least once and at most limit times.
			return tr.posts >= events && tr.posts <= events*limit
		},
		gen.IntRange(1, 5),
		gen.SliceOf(gen.Bool()),
	))

	properties.TestingRun(t)
}

// scriptedTransport answers POSTs from outcomes in order, then succeeds.
type scriptedTransport struct {
	outcomes []bool
	posts    int
}

func (s *scriptedTransport) Post(ctx context.Context, url string, body []byte, headers map[string]string) (int, error) {
	i := s.posts
	s.posts++
	if i < len(s.outcomes) && !s.outcomes[i] {
		return 500, nil
	}
	return 200, nil
}

func (s *scriptedTransport) Get(ctx context.Context, url string) (int, error) {
	return 200, nil
}

func TestStatusError(t *testing.T) {
	err := error(&StatusError{StatusCode: 503})
	var se *StatusError
	if !errors.As(err, &se) || se.StatusCode != 503 {
		t.Errorf("errors.As() = %v, want StatusCode 503", se)
	}
	if err.Error() != "telemetry service returned HTTP 503" {
		t.Errorf("Error() = %q", err.Error())
	}
}

func TestPaused_NoTimers(t *testing.T) {
	tr := newFakeTransport()
	c, mock := newTestClient(t, store.NewMemory(), tr, Options{
		OptIn:            types.OptedIn,
		DeliveryInterval: time.Second,
		Paused:           true,
	})
	c.AddEvent("A", nil)

	mock.Add(time.Hour)
	time.Sleep(20 * time.Millisecond)
	if tr.getCount() != 0 || tr.postCount() != 0 {
		t.Fatalf("paused client: probes = %d, posts = %d, want 0 and 0", tr.getCount(), tr.postCount())
	}

	c.UpdateNetworkStatus(context.Background())
	c.AttemptDelivery(context.Background())
	if tr.postCount() != 1 {
		t.Errorf("posts = %d, want 1 when driven explicitly", tr.postCount())
	}
}
