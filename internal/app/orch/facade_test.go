package orch

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/Verify/internal/adapters/blobstore"
	"github.com/dkeye/Verify/internal/adapters/media"
	"github.com/dkeye/Verify/internal/adapters/rtc"
	"github.com/dkeye/Verify/internal/adapters/signal"
	"github.com/dkeye/Verify/internal/adapters/sqlstore"
	"github.com/dkeye/Verify/internal/app/documents"
	"github.com/dkeye/Verify/internal/app/events"
	"github.com/dkeye/Verify/internal/app/recorder"
	"github.com/dkeye/Verify/internal/core"
	"github.com/dkeye/Verify/internal/domain"
	"github.com/dkeye/Verify/internal/metrics"
)

type fakeConn struct {
	mu        sync.Mutex
	state     core.ConnectionState
	err       error
	connected chan struct{}
	done      chan struct{}
	closes    int
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		state:     core.StateConnecting,
		connected: make(chan struct{}),
		done:      make(chan struct{}),
	}
}

func (c *fakeConn) State() core.ConnectionState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *fakeConn) Quality() core.Quality {
	if c.State() == core.StateConnected {
		return core.QualityGood
	}
	return core.QualityUnknown
}

func (c *fakeConn) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *fakeConn) Done() <-chan struct{} { return c.done }

func (c *fakeConn) WaitConnected(ctx context.Context) error {
	select {
	case <-c.connected:
		return nil
	case <-c.done:
		if err := c.Err(); err != nil {
			return err
		}
		return domain.ErrChannelFailed
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateConnecting {
		c.state = core.StateConnected
		close(c.connected)
	}
}

func (c *fakeConn) fail(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateConnecting || c.state == core.StateConnected {
		c.state = core.StateFailed
		c.err = err
		close(c.done)
	}
}

// hangUp is the remote side leaving after connect.
func (c *fakeConn) hangUp() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == core.StateConnected {
		c.state = core.StateClosed
		close(c.done)
	}
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
	if c.state == core.StateConnecting || c.state == core.StateConnected {
		close(c.done)
	}
	c.state = core.StateClosed
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

type fakeNegotiator struct {
	mu     sync.Mutex
	conns  []*fakeConn
	rooms  []domain.RoomID
	err    error
	block  bool
	onInit func(*fakeConn)

	entered chan struct{}
}

func (n *fakeNegotiator) Initialize(ctx context.Context, room domain.RoomID, m core.LocalMedia) (core.PeerConnection, error) {
	if m == nil || m.Released() {
		return nil, domain.ErrNoLocalMedia
	}
	n.mu.Lock()
	block, err, onInit, entered := n.block, n.err, n.onInit, n.entered
	n.mu.Unlock()
	if entered != nil {
		entered <- struct{}{}
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	c := newFakeConn()
	n.mu.Lock()
	n.conns = append(n.conns, c)
	n.rooms = append(n.rooms, room)
	n.mu.Unlock()
	if onInit != nil {
		onInit(c)
	}
	return c, nil
}

func (n *fakeNegotiator) last() *fakeConn {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.conns[len(n.conns)-1]
}

type harness struct {
	facade     *Facade
	store      *sqlstore.Store
	acquirer   *media.Acquirer
	negotiator *fakeNegotiator
	bus        *events.Bus
}

func testDevices() []media.Device {
	return []media.Device{
		&media.SyntheticDevice{DeviceID: "mic-0", MediaKind: core.MediaAudio, Interval: 5 * time.Millisecond, FrameSize: 32},
		&media.SyntheticDevice{DeviceID: "cam-0", MediaKind: core.MediaVideo, Interval: 5 * time.Millisecond, FrameSize: 64},
		&media.SyntheticDevice{DeviceID: "mic-1", MediaKind: core.MediaAudio, Interval: 5 * time.Millisecond, FrameSize: 32},
		&media.SyntheticDevice{DeviceID: "cam-1", MediaKind: core.MediaVideo, Interval: 5 * time.Millisecond, FrameSize: 64},
	}
}

func newHarness(t *testing.T, prompt media.PermissionPrompt, negotiator core.Negotiator) *harness {
	t.Helper()
	store, err := sqlstore.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	objects, err := blobstore.NewFS(t.TempDir())
	require.NoError(t, err)
	rec, err := recorder.New(store, objects, recorder.Config{ChunkInterval: 20 * time.Millisecond, MaxChunks: 500})
	require.NoError(t, err)

	h := &harness{
		store:    store,
		acquirer: media.NewAcquirer(testDevices(), prompt),
		bus:      events.NewBus(),
	}
	if negotiator == nil {
		h.negotiator = &fakeNegotiator{}
		negotiator = h.negotiator
	}
	h.facade = &Facade{
		Sessions:   store,
		Media:      h.acquirer,
		Negotiator: negotiator,
		Recorder:   rec,
		Documents:  documents.NewIntake(store, store, objects),
		Events:     h.bus,
		Metrics:    metrics.New(prometheus.NewRegistry()),
		Attempts:   NewRegistry(),
	}
	return h
}

func (h *harness) schedule(t *testing.T) *domain.VideoSession {
	t.Helper()
	vs, err := h.facade.Schedule(context.Background(), domain.ScheduleRequest{
		UserID:           "user-u",
		ScheduledAt:      time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC),
		VerificationType: domain.VerificationIdentity,
	})
	require.NoError(t, err)
	return vs
}

func (h *harness) assertNoLeak(t *testing.T) {
	t.Helper()
	assert.Equal(t, h.acquirer.Acquired(), h.acquirer.Released(), "every acquired capture is released")
	assert.Zero(t, h.facade.Attempts.Len())
}

var av = JoinOptions{Constraints: core.Constraints{Audio: true, Video: true}}

func TestJoinFinishCompleted(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)
	assert.Equal(t, domain.StatusScheduled, vs.Status)
	assert.NotEmpty(t, vs.RoomID)
	assert.Nil(t, vs.StartedAt)
	assert.Nil(t, vs.EndedAt)

	joined, err := h.facade.Join(ctx, vs.ID, av)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, joined.Status)
	require.NotNil(t, joined.StartedAt)
	assert.Equal(t, core.StateConnecting, h.facade.ConnectionState(vs.ID))

	conn := h.negotiator.last()
	conn.connect()
	assert.Equal(t, core.StateConnected, h.facade.ConnectionState(vs.ID))
	assert.Equal(t, core.QualityGood, h.facade.Quality(vs.ID))

	done, err := h.facade.Finish(ctx, vs.ID, domain.StatusCompleted, FinishOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.EndedAt)
	require.NotNil(t, done.StartedAt)
	assert.True(t, joined.StartedAt.Equal(*done.StartedAt), "started_at is set once")

	again, err := h.facade.Finish(ctx, vs.ID, domain.StatusCompleted, FinishOptions{})
	require.NoError(t, err)
	require.NotNil(t, again.EndedAt)
	assert.True(t, done.EndedAt.Equal(*again.EndedAt), "ended_at is set once")
	assert.True(t, done.UpdatedAt.Equal(again.UpdatedAt))

	assert.Equal(t, 1, conn.closeCount())
	assert.Equal(t, core.StateIdle, h.facade.ConnectionState(vs.ID))
	assert.Equal(t, core.QualityUnknown, h.facade.Quality(vs.ID))
	assert.EqualValues(t, 1, h.acquirer.Acquired())
	h.assertNoLeak(t)

	_, err = h.facade.Finish(ctx, vs.ID, domain.StatusPendingReview, FinishOptions{})
	require.NoError(t, err)
}

func TestFinishRejectsInvalidTransition(t *testing.T) {
	h := newHarness(t, nil, nil)
	vs := h.schedule(t)
	_, err := h.facade.Finish(context.Background(), vs.ID, domain.StatusCompleted, FinishOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)
	_, err = h.facade.Finish(context.Background(), vs.ID, domain.StatusScheduled, FinishOptions{})
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestJoinReleasesMediaWhenNegotiationCannotStart(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.negotiator.err = domain.ErrChannelFailed.With(errors.New("relay down"))
	vs := h.schedule(t)

	_, err := h.facade.Join(context.Background(), vs.ID, av)
	assert.ErrorIs(t, err, domain.ErrChannelFailed)

	got, err := h.facade.GetSession(context.Background(), vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusScheduled, got.Status)
	assert.EqualValues(t, 1, h.acquirer.Acquired())
	h.assertNoLeak(t)

	h.negotiator.err = nil
	_, err = h.facade.Join(context.Background(), vs.ID, av)
	require.NoError(t, err)
}

func TestJoinPermissionDenied(t *testing.T) {
	deny := func(context.Context, []core.MediaKind) (bool, error) { return false, nil }
	h := newHarness(t, deny, nil)
	vs := h.schedule(t)

	_, err := h.facade.Join(context.Background(), vs.ID, av)
	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Zero(t, h.acquirer.Acquired())
	h.assertNoLeak(t)
}

func TestJoinTwiceConcurrentlyIsAttemptActive(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.negotiator.block = true
	h.negotiator.entered = make(chan struct{}, 1)
	vs := h.schedule(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.facade.Join(ctx, vs.ID, av)
		errc <- err
	}()
	<-h.negotiator.entered

	_, err := h.facade.Join(context.Background(), vs.ID, av)
	assert.ErrorIs(t, err, domain.ErrAttemptActive)

	cancel()
	assert.ErrorIs(t, <-errc, context.Canceled)
	h.assertNoLeak(t)
}

func TestCallerAbortDuringJoinCancelsSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.negotiator.block = true
	h.negotiator.entered = make(chan struct{}, 1)
	vs := h.schedule(t)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := h.facade.Join(ctx, vs.ID, av)
		errc <- err
	}()
	<-h.negotiator.entered
	cancel()
	require.Error(t, <-errc)

	got, err := h.facade.GetSession(context.Background(), vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.NotNil(t, got.EndedAt)
	h.assertNoLeak(t)
}

func TestFinishWhileJoiningCancels(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.negotiator.block = true
	h.negotiator.entered = make(chan struct{}, 1)
	vs := h.schedule(t)

	errc := make(chan error, 1)
	go func() {
		_, err := h.facade.Join(context.Background(), vs.ID, av)
		errc <- err
	}()
	<-h.negotiator.entered

	got, err := h.facade.Finish(context.Background(), vs.ID, domain.StatusCancelled, FinishOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	require.Error(t, <-errc)
	h.assertNoLeak(t)
}

func TestNegotiationFailureMovesSessionToFailed(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.negotiator.onInit = func(c *fakeConn) {
		go func() {
			time.Sleep(20 * time.Millisecond)
			c.fail(domain.ErrNegotiationTimeout)
		}()
	}
	vs := h.schedule(t)
	sub, err := h.facade.Watch(context.Background(), vs.ID)
	require.NoError(t, err)

	_, err = h.facade.Join(context.Background(), vs.ID, JoinOptions{Constraints: av.Constraints, AwaitPeer: true})
	require.ErrorIs(t, err, domain.ErrNegotiationTimeout)

	got, err := h.facade.GetSession(context.Background(), vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	require.NotNil(t, got.EndedAt)
	h.assertNoLeak(t)

	var statuses []domain.SessionStatus
	for e := range sub.C() {
		if e.Kind == events.KindStatus {
			statuses = append(statuses, e.Status)
		}
	}
	assert.Equal(t, []domain.SessionStatus{domain.StatusInProgress, domain.StatusFailed}, statuses)
}

func TestChannelFailureAfterJoinIsSupervised(t *testing.T) {
	h := newHarness(t, nil, nil)
	vs := h.schedule(t)
	_, err := h.facade.Join(context.Background(), vs.ID, av)
	require.NoError(t, err)

	conn := h.negotiator.last()
	conn.connect()
	conn.fail(domain.ErrChannelFailed)

	require.Eventually(t, func() bool {
		got, err := h.facade.GetSession(context.Background(), vs.ID)
		return err == nil && got.Status == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool { return h.facade.Attempts.Len() == 0 }, time.Second, 10*time.Millisecond)
	h.assertNoLeak(t)
}

func TestRemoteHangUpLeavesSessionToAgent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)
	sub := h.bus.Subscribe(ctx, vs.ID)
	defer sub.Close()

	_, err := h.facade.Join(ctx, vs.ID, av)
	require.NoError(t, err)
	_, err = h.facade.GiveConsent(ctx, vs.ID, true)
	require.NoError(t, err)
	conn := h.negotiator.last()
	conn.connect()
	require.NoError(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{}))
	time.Sleep(50 * time.Millisecond)

	conn.hangUp()

	var seen []string
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-sub.C():
				if e.Kind == events.KindConnection {
					seen = append(seen, e.Detail)
				}
			default:
				return len(seen) == 2
			}
		}
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"connected", "closed"}, seen)

	got, err := h.facade.GetSession(ctx, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)
	assert.Equal(t, core.StateClosed, h.facade.ConnectionState(vs.ID))
	assert.True(t, h.facade.Recorder.Active(vs.ID))

	done, err := h.facade.Finish(ctx, vs.ID, domain.StatusCompleted, FinishOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.RecordingRef)
	assert.NotEmpty(t, *done.RecordingRef)
	h.assertNoLeak(t)
}

func TestRemoteHangUpWithEngines(t *testing.T) {
	if testing.Short() {
		t.Skip("needs loopback ICE")
	}
	hub := signal.NewHub()
	station, err := rtc.NewEngine(hub, rtc.Options{PeerID: "station", Timeout: 20 * time.Second, Loopback: true})
	require.NoError(t, err)
	browser, err := rtc.NewEngine(hub, rtc.Options{PeerID: "browser", Timeout: 20 * time.Second, Loopback: true})
	require.NoError(t, err)
	h := newHarness(t, nil, station)
	ctx := context.Background()
	vs := h.schedule(t)
	_, err = h.facade.GiveConsent(ctx, vs.ID, true)
	require.NoError(t, err)

	remoteMedia, err := h.acquirer.StartLocalCapture(ctx, core.Constraints{Audio: true, AudioDeviceID: "mic-1"})
	require.NoError(t, err)
	remote, err := browser.Initialize(ctx, vs.RoomID, remoteMedia)
	require.NoError(t, err)

	joined, err := h.facade.Join(ctx, vs.ID, JoinOptions{Constraints: core.Constraints{Audio: true, AudioDeviceID: "mic-0"}, AwaitPeer: true})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, joined.Status)
	require.NoError(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{}))
	time.Sleep(100 * time.Millisecond)

	remote.Close()
	h.acquirer.StopLocalCapture(remoteMedia)
	require.Eventually(t, func() bool {
		return h.facade.ConnectionState(vs.ID) == core.StateClosed
	}, 10*time.Second, 20*time.Millisecond)

	got, err := h.facade.GetSession(ctx, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, got.Status)

	done, err := h.facade.Finish(ctx, vs.ID, domain.StatusCompleted, FinishOptions{})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, done.Status)
	require.NotNil(t, done.RecordingRef)
	h.assertNoLeak(t)
}

func TestRecordingFlow(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)
	_, err := h.facade.Join(ctx, vs.ID, av)
	require.NoError(t, err)

	assert.ErrorIs(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{}), domain.ErrConsentRequired)

	_, err = h.facade.GiveConsent(ctx, vs.ID, true)
	require.NoError(t, err)
	assert.ErrorIs(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{}), domain.ErrNotConnected)

	h.negotiator.last().connect()
	require.NoError(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{}))
	assert.ErrorIs(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{}), domain.ErrAlreadyRecording)

	_, err = h.facade.GiveConsent(ctx, vs.ID, true)
	assert.ErrorIs(t, err, domain.ErrAlreadyRecording)

	time.Sleep(50 * time.Millisecond)
	out := h.facade.StopRecording(ctx, vs.ID)
	require.NoError(t, out.Err)
	assert.NotEmpty(t, out.Ref)

	got, err := h.facade.GetSession(ctx, vs.ID)
	require.NoError(t, err)
	require.NotNil(t, got.RecordingRef)
	assert.Equal(t, out.Ref, *got.RecordingRef)

	again := h.facade.StopRecording(ctx, vs.ID)
	assert.ErrorIs(t, again.Err, domain.ErrNotRecording)
}

func TestStartRecordingWithoutAttempt(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)
	_, err := h.facade.GiveConsent(ctx, vs.ID, true)
	require.NoError(t, err)
	assert.ErrorIs(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{AllowDisconnected: true}), domain.ErrNoLocalMedia)
}

func TestFinishSettlesRecording(t *testing.T) {
	cases := []struct {
		name    string
		status  domain.SessionStatus
		salvage bool
		stored  bool
	}{
		{"completed stores", domain.StatusCompleted, false, true},
		{"cancelled discards", domain.StatusCancelled, false, false},
		{"cancelled with salvage stores", domain.StatusCancelled, true, true},
		{"failed discards", domain.StatusFailed, false, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			h := newHarness(t, nil, nil)
			ctx := context.Background()
			vs := h.schedule(t)
			_, err := h.facade.GiveConsent(ctx, vs.ID, true)
			require.NoError(t, err)
			_, err = h.facade.Join(ctx, vs.ID, av)
			require.NoError(t, err)
			require.NoError(t, h.facade.StartRecording(ctx, vs.ID, RecordingOptions{AllowDisconnected: true}))
			time.Sleep(30 * time.Millisecond)

			got, err := h.facade.Finish(ctx, vs.ID, tc.status, FinishOptions{Salvage: tc.salvage})
			require.NoError(t, err)
			assert.Equal(t, tc.status, got.Status)
			assert.Equal(t, tc.stored, got.RecordingRef != nil)
			assert.False(t, h.facade.Recorder.Active(vs.ID))
			h.assertNoLeak(t)
		})
	}
}

func TestSessionsRunIndependently(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	a := h.schedule(t)
	b := h.schedule(t)
	require.NotEqual(t, a.RoomID, b.RoomID)

	_, err := h.facade.Join(ctx, a.ID, JoinOptions{Constraints: core.Constraints{Audio: true}})
	require.NoError(t, err)
	connA := h.negotiator.last()
	_, err = h.facade.Join(ctx, b.ID, JoinOptions{Constraints: core.Constraints{Audio: true}})
	require.NoError(t, err)
	connB := h.negotiator.last()

	assert.Equal(t, []domain.RoomID{a.RoomID, b.RoomID}, h.negotiator.rooms)

	connB.connect()
	connA.fail(domain.ErrNegotiationTimeout)
	require.Eventually(t, func() bool {
		got, err := h.facade.GetSession(ctx, a.ID)
		return err == nil && got.Status == domain.StatusFailed
	}, 2*time.Second, 10*time.Millisecond)

	gotB, err := h.facade.GetSession(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusInProgress, gotB.Status)
	assert.Equal(t, core.StateConnected, h.facade.ConnectionState(b.ID))

	_, err = h.facade.Finish(ctx, b.ID, domain.StatusCompleted, FinishOptions{})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return h.facade.Attempts.Len() == 0 }, time.Second, 10*time.Millisecond)
	h.assertNoLeak(t)
}

func TestForceCancel(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)

	got, err := h.facade.ForceCancel(ctx, vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCancelled, got.Status)

	_, err = h.facade.ForceCancel(ctx, vs.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidTransition)

	joined := h.schedule(t)
	_, err = h.facade.Join(ctx, joined.ID, av)
	require.NoError(t, err)
	_, err = h.facade.ForceCancel(ctx, joined.ID)
	assert.ErrorIs(t, err, domain.ErrAttemptActive)

	_, err = h.facade.ForceCancel(ctx, "ghost")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
	assert.Equal(t, 1, h.facade.Attempts.Len())

	_, err = h.facade.Finish(ctx, joined.ID, domain.StatusCancelled, FinishOptions{})
	require.NoError(t, err)
	h.assertNoLeak(t)
}

func TestUploadDocumentPublishesEvent(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)
	sub, err := h.facade.Watch(ctx, vs.ID)
	require.NoError(t, err)
	defer sub.Close()

	doc, err := h.facade.UploadDocument(ctx, vs.ID, domain.File{
		Name:      "passport.pdf",
		MediaType: "application/pdf",
		Size:      -1,
		Body:      strings.NewReader("%PDF-1.4 test"),
	}, domain.DocGovernmentID)
	require.NoError(t, err)

	select {
	case e := <-sub.C():
		assert.Equal(t, events.KindDocument, e.Kind)
		assert.Equal(t, string(doc.ID), e.Detail)
	case <-time.After(time.Second):
		t.Fatal("no document event")
	}

	docs, err := h.facade.ListDocuments(ctx, vs.ID)
	require.NoError(t, err)
	require.Len(t, docs, 1)

	reviewed, err := h.facade.SetDocumentStatus(ctx, doc.ID, domain.DocVerified)
	require.NoError(t, err)
	assert.Equal(t, domain.DocVerified, reviewed.Status)
}

func TestWatchEndedSession(t *testing.T) {
	h := newHarness(t, nil, nil)
	vs := h.schedule(t)
	_, err := h.facade.ForceCancel(context.Background(), vs.ID)
	require.NoError(t, err)

	sub, err := h.facade.Watch(context.Background(), vs.ID)
	require.NoError(t, err)
	_, ok := <-sub.C()
	assert.False(t, ok)

	_, err = h.facade.Watch(context.Background(), "ghost")
	assert.ErrorIs(t, err, domain.ErrSessionNotFound)
}

func TestAdmitRoom(t *testing.T) {
	h := newHarness(t, nil, nil)
	ctx := context.Background()
	vs := h.schedule(t)
	assert.NoError(t, h.facade.AdmitRoom(ctx, vs.RoomID))
	assert.ErrorIs(t, h.facade.AdmitRoom(ctx, "room-unknown"), domain.ErrSessionNotFound)

	_, err := h.facade.ForceCancel(ctx, vs.ID)
	require.NoError(t, err)
	assert.ErrorIs(t, h.facade.AdmitRoom(ctx, vs.RoomID), domain.ErrInvalidArgument)
}

func TestNegotiationTimeoutWithEngine(t *testing.T) {
	hub := signal.NewHub()
	engine, err := rtc.NewEngine(hub, rtc.Options{PeerID: "station", Timeout: 300 * time.Millisecond, Loopback: true})
	require.NoError(t, err)
	h := newHarness(t, nil, engine)
	vs := h.schedule(t)

	_, err = h.facade.Join(context.Background(), vs.ID, JoinOptions{Constraints: av.Constraints, AwaitPeer: true})
	require.ErrorIs(t, err, domain.ErrNegotiationTimeout)

	got, err := h.facade.GetSession(context.Background(), vs.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	h.assertNoLeak(t)
	require.Eventually(t, func() bool { return hub.Members(vs.RoomID) == 0 }, 2*time.Second, 10*time.Millisecond)
}
