package videosync

import (
	"bufio"
	"bytes"
	"encoding/json"
	"math"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/hostsync"
	"github.com/mcdev12/gamesync/go/internal/monitor"
	"github.com/mcdev12/gamesync/go/internal/notify"
	"github.com/mcdev12/gamesync/go/internal/presentation"
	"github.com/mcdev12/gamesync/go/internal/protocol"
)

const waitTimeout = 2 * time.Second

type sentCommand struct {
	action protocol.CommandAction
	data   *protocol.CommandData
}

type fakeHost struct {
	mu       sync.Mutex
	status   monitor.Status
	commands []sentCommand

	statuses notify.Listeners[monitor.Status]
	videos   notify.Listeners[protocol.VideoState]
	ready    notify.Listeners[struct{}]
}

func newFakeHost(status monitor.Status) *fakeHost {
	return &fakeHost{status: status}
}

func (f *fakeHost) SendCommand(action protocol.CommandAction, data *protocol.CommandData) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commands = append(f.commands, sentCommand{action: action, data: data})
	return protocol.NewCommandID()
}

func (f *fakeHost) OnPresentationStatus(fn func(monitor.Status)) func() {
	unsub := f.statuses.Add(fn)
	f.mu.Lock()
	current := f.status
	f.mu.Unlock()
	fn(current)
	return unsub
}

func (f *fakeHost) OnVideoStatus(fn func(protocol.VideoState)) func() { return f.videos.Add(fn) }

func (f *fakeHost) OnPresentationVideoReady(fn func()) func() {
	return f.ready.Add(func(struct{}) { fn() })
}

func (f *fakeHost) setStatus(s monitor.Status) {
	f.mu.Lock()
	f.status = s
	f.mu.Unlock()
	f.statuses.Emit(s)
}

func (f *fakeHost) sent() []sentCommand {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentCommand(nil), f.commands...)
}

func (f *fakeHost) last(t *testing.T) sentCommand {
	t.Helper()
	sent := f.sent()
	if len(sent) == 0 {
		t.Fatal("no command sent")
	}
	return sent[len(sent)-1]
}

type fakePresentation struct {
	mu       sync.Mutex
	provider func() protocol.VideoState
	ready    int
	reports  chan protocol.VideoState
	commands notify.Listeners[protocol.Command]
}

func newFakePresentation() *fakePresentation {
	return &fakePresentation{reports: make(chan protocol.VideoState, 16)}
}

func (f *fakePresentation) OnHostCommand(fn func(protocol.Command)) func() {
	return f.commands.Add(fn)
}

func (f *fakePresentation) SendVideoStatus(state protocol.VideoState) { f.reports <- state }

func (f *fakePresentation) SendPresentationVideoReady() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ready++
}

func (f *fakePresentation) SetVideoStatusProvider(fn func() protocol.VideoState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.provider = fn
}

func (f *fakePresentation) command(action protocol.CommandAction, data *protocol.CommandData) {
	f.commands.Emit(protocol.Command{ID: protocol.NewCommandID(), Action: action, Data: data})
}

func near(a, b float64) bool {
	return math.Abs(a-b) < 0.01
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestHostAutoPlaysAloneWithoutPresentation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusDisconnected)
	player := NewVirtualPlayer(clock, 120)
	c := NewHost(link, player, DefaultConfig(), clock)
	defer c.Close()

	c.Load("https://cdn.example/intro.mp4")
	if !c.Props().AutoPlay {
		t.Error("expected autoplay prop while alone")
	}
	c.MarkReady()

	if !player.State().Playing {
		t.Fatal("expected immediate local autoplay")
	}
	if c.State() != StatePlaying {
		t.Errorf("expected playing, got %s", c.State())
	}
	if c.AutoPlayPending() {
		t.Error("autoplay flag not cleared")
	}
	if n := len(link.sent()); n != 0 {
		t.Errorf("expected no commands without a presentation, got %d", n)
	}
}

func TestHostCoordinatesAutoPlayWithPresentation(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusConnected)
	player := NewVirtualPlayer(clock, 120)
	c := NewHost(link, player, DefaultConfig(), clock)
	defer c.Close()

	c.Load("https://cdn.example/round1.mp4")
	if c.Props().AutoPlay {
		t.Error("host must not expose autoplay while a presentation is connected")
	}
	c.MarkReady()

	if cmd := link.last(t); cmd.action != protocol.ActionCoordinatedPlay {
		t.Fatalf("expected coordinated autoplay command, got %s", cmd.action)
	}
	if player.State().Playing {
		t.Fatal("host started before the autoplay delay")
	}

	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("autoplay timer not armed: %v", err)
	}
	clock.Advance(DefaultConfig().AutoPlayDelay)
	waitFor(t, "delayed host playback", func() bool { return player.State().Playing })

	// reloading the same video does not autoplay again
	c.Load("https://cdn.example/round1.mp4")
	if c.AutoPlayPending() {
		t.Error("autoplay re-armed for the same url")
	}
}

func TestAudioHandOff(t *testing.T) {
	tests := []struct {
		name          string
		stayMuted     bool
		mutedAfterCut bool
	}{
		{name: "restores audio", stayMuted: false, mutedAfterCut: false},
		{name: "stays muted", stayMuted: true, mutedAfterCut: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := clockwork.NewFakeClock()
			link := newFakeHost(monitor.StatusConnecting)
			player := NewVirtualPlayer(clock, 0)
			cfg := DefaultConfig()
			cfg.StayMuted = tt.stayMuted
			c := NewHost(link, player, cfg, clock)
			defer c.Close()

			if player.State().Muted {
				t.Fatal("host muted before any presentation connected")
			}
			link.setStatus(monitor.StatusConnected)
			if !c.Props().Muted {
				t.Fatal("host not muted while presentation connected")
			}
			link.setStatus(monitor.StatusDisconnected)
			if got := player.State().Muted; got != tt.mutedAfterCut {
				t.Errorf("expected muted=%v after disconnect, got %v", tt.mutedAfterCut, got)
			}
		})
	}
}

func TestBlockedPlayClearsPendingAndClickRetries(t *testing.T) {
	clock := clockwork.NewFakeClock()
	player := NewVirtualPlayer(clock, 60)
	player.SetPlayError(ErrPlaybackBlocked)
	c := NewIndependent(player, DefaultConfig(), clock)

	c.Load("https://cdn.example/clip.mp4")
	c.MarkReady()

	if player.State().Playing {
		t.Fatal("blocked player reports playing")
	}
	if c.AutoPlayPending() {
		t.Error("pending flag kept after failed autoplay")
	}
	if c.State() != StateReady {
		t.Errorf("expected ready, got %s", c.State())
	}

	player.SetPlayError(nil)
	c.Props().OnClick()
	if !player.State().Playing || c.State() != StatePlaying {
		t.Error("user click did not start playback")
	}
}

func TestHostCommandsAreBroadcastAndAppliedLocally(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusConnected)
	player := NewVirtualPlayer(clock, 300)
	cfg := DefaultConfig()
	cfg.AutoPlay = false
	c := NewHost(link, player, cfg, clock)
	defer c.Close()

	c.Load("https://cdn.example/case.mp4")
	c.MarkReady()

	c.Seek(42)
	if cmd := link.last(t); cmd.action != protocol.ActionSeek || *cmd.data.Time != 42 {
		t.Errorf("unexpected seek command %+v", cmd)
	}
	if !near(player.State().CurrentTime, 42) {
		t.Errorf("seek not applied locally, at %.2f", player.State().CurrentTime)
	}

	c.Play()
	if cmd := link.last(t); cmd.action != protocol.ActionPlay || !near(*cmd.data.Time, 42) {
		t.Errorf("unexpected play command %+v", cmd)
	}
	if !player.State().Playing {
		t.Error("play not applied locally")
	}

	c.SetVolume(0.4)
	if cmd := link.last(t); cmd.action != protocol.ActionVolume || *cmd.data.Volume != 0.4 {
		t.Errorf("unexpected volume command %+v", cmd)
	}

	c.Pause()
	if cmd := link.last(t); cmd.action != protocol.ActionPause {
		t.Errorf("expected pause, got %s", cmd.action)
	}
	if player.State().Playing || c.State() != StatePaused {
		t.Error("pause not applied locally")
	}
}

func TestHostFollowsPresentationDrift(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusConnected)
	player := NewVirtualPlayer(clock, 300)
	cfg := DefaultConfig()
	cfg.AutoPlay = false
	c := NewHost(link, player, cfg, clock)
	defer c.Close()

	c.Load("https://cdn.example/case.mp4")
	c.MarkReady()
	c.Seek(10)

	// within the cooldown the report is ignored
	link.videos.Emit(protocol.VideoState{Playing: true, CurrentTime: 20, UpdatedAt: clock.Now().UnixMilli()})
	if player.State().Playing || !near(player.State().CurrentTime, 10) {
		t.Fatal("corrected during cooldown")
	}

	clock.Advance(3 * time.Second)
	link.videos.Emit(protocol.VideoState{Playing: true, CurrentTime: 20, UpdatedAt: clock.Now().UnixMilli()})

	ps := player.State()
	if !ps.Playing {
		t.Error("host did not follow presentation into play")
	}
	if !near(ps.CurrentTime, 20) {
		t.Errorf("host did not seek to the presentation, at %.2f", ps.CurrentTime)
	}
	// initial-sync pause and the seek only
	if n := len(link.sent()); n != 2 {
		t.Errorf("drift correction must not broadcast, %d commands sent", n)
	}
}

func TestHostIgnoresPresentationClockSkew(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusConnected)
	player := NewVirtualPlayer(clock, 300)
	cfg := DefaultConfig()
	cfg.AutoPlay = false
	c := NewHost(link, player, cfg, clock)
	defer c.Close()

	c.Load("https://cdn.example/case.mp4")
	c.MarkReady()
	c.Seek(23)
	c.Play()
	clock.Advance(3 * time.Second)
	if !near(player.State().CurrentTime, 26) {
		t.Fatalf("host not at 26, at %.2f", player.State().CurrentTime)
	}

	// a presentation clock running 4s behind ours stamps its reports in the past
	link.videos.Emit(protocol.VideoState{
		Playing:     true,
		CurrentTime: 26,
		UpdatedAt:   clock.Now().Add(-4 * time.Second).UnixMilli(),
	})

	ps := player.State()
	if !ps.Playing || !near(ps.CurrentTime, 26) {
		t.Errorf("host moved on a skewed stamp: %+v", ps)
	}
}

func TestHostDropsOutOfOrderReports(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusConnected)
	player := NewVirtualPlayer(clock, 300)
	cfg := DefaultConfig()
	cfg.AutoPlay = false
	c := NewHost(link, player, cfg, clock)
	defer c.Close()

	c.Load("https://cdn.example/case.mp4")
	c.MarkReady()
	c.Seek(10)
	clock.Advance(3 * time.Second)

	stamp := clock.Now().UnixMilli()
	link.videos.Emit(protocol.VideoState{Playing: false, CurrentTime: 10, UpdatedAt: stamp})
	link.videos.Emit(protocol.VideoState{Playing: true, CurrentTime: 90, UpdatedAt: stamp - 500})

	ps := player.State()
	if ps.Playing || !near(ps.CurrentTime, 10) {
		t.Errorf("host followed an older report: %+v", ps)
	}
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b.buf.Bytes()))
	for sc.Scan() {
		out = append(out, sc.Text())
	}
	return out
}

func TestAutoplayLogKeepsTimestampField(t *testing.T) {
	out := &lockedBuffer{}
	prev := log.Logger
	log.Logger = zerolog.New(out).With().Timestamp().Logger()
	defer func() { log.Logger = prev }()

	clock := clockwork.NewFakeClock()
	link := newFakeHost(monitor.StatusConnected)
	player := NewVirtualPlayer(clock, 300)
	c := NewHost(link, player, DefaultConfig(), clock)
	defer c.Close()

	c.Load("https://cdn.example/case.mp4")
	c.Seek(12)
	c.MarkReady()

	var entry map[string]any
	for _, line := range out.lines() {
		var e map[string]any
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("bad log line %q: %v", line, err)
		}
		if e["message"] == "coordinated autoplay sent" {
			entry = e
		}
	}
	if entry == nil {
		t.Fatal("no coordinated autoplay log entry")
	}
	if pos, ok := entry["position"].(float64); !ok || !near(pos, 12) {
		t.Errorf("expected position 12, got %v", entry["position"])
	}
	if _, ok := entry["time"].(string); !ok {
		t.Errorf("timestamp field overwritten: %v", entry["time"])
	}
}

func TestPresentationAppliesCommandsAndReports(t *testing.T) {
	clock := clockwork.NewFakeClock()
	link := newFakePresentation()
	player := NewVirtualPlayer(clock, 200)
	player.SetMuted(true)
	c := NewPresentation(link, player, DefaultConfig(), clock)
	defer c.Close()

	if player.State().Muted {
		t.Fatal("presentation must always have audio")
	}

	c.Load("https://cdn.example/case.mp4")
	c.MarkReady()
	if player.State().Playing {
		t.Fatal("presentation autoplayed without a host command")
	}
	link.mu.Lock()
	ready := link.ready
	link.mu.Unlock()
	if ready != 1 {
		t.Errorf("expected one video-ready signal, got %d", ready)
	}

	link.command(protocol.ActionCoordinatedPlay, protocol.AtTime(5))
	if ps := player.State(); !ps.Playing || !near(ps.CurrentTime, 5) {
		t.Fatalf("coordinated play not applied: %+v", ps)
	}

	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("report ticker not armed: %v", err)
	}
	clock.Advance(time.Second)
	select {
	case r := <-link.reports:
		if !r.Playing || !near(r.CurrentTime, 6) {
			t.Errorf("unexpected report %+v", r)
		}
	case <-time.After(waitTimeout):
		t.Fatal("no periodic report")
	}

	link.command(protocol.ActionPause, protocol.AtTime(30))
	if ps := player.State(); ps.Playing || !near(ps.CurrentTime, 30) {
		t.Errorf("pause not applied: %+v", ps)
	}

	mute := true
	vol := 0.25
	link.command(protocol.ActionVolume, &protocol.CommandData{Volume: &vol, Muted: &mute})
	if ps := player.State(); ps.Volume != 0.25 || !ps.Muted {
		t.Errorf("volume not applied: %+v", ps)
	}

	link.command(protocol.ActionReset, nil)
	if ps := player.State(); ps.Playing || ps.CurrentTime != 0 {
		t.Errorf("reset not applied: %+v", ps)
	}

	link.mu.Lock()
	provider := link.provider
	link.mu.Unlock()
	if provider == nil {
		t.Fatal("video status provider not installed")
	}
	c.Close()
	link.mu.Lock()
	provider = link.provider
	link.mu.Unlock()
	if provider != nil {
		t.Error("video status provider kept after Close")
	}
}

func TestInitialSyncPausesBothAtHostPosition(t *testing.T) {
	bus := local.NewBus()
	clock := clockwork.NewFakeClock()

	hosts := hostsync.NewRegistry(hostsync.DefaultConfig(), hostsync.Deps{Bus: bus, Clock: clock})
	hostMgr, err := hosts.Get("s1")
	if err != nil {
		t.Fatalf("host Get failed: %v", err)
	}
	defer hostMgr.Destroy()

	hostPlayer := NewVirtualPlayer(clock, 300)
	host := NewHost(hostMgr, hostPlayer, DefaultConfig(), clock)
	defer host.Close()

	host.Load("https://cdn.example/round2.mp4")
	host.MarkReady()
	host.Seek(47.2)
	if !hostPlayer.State().Playing {
		t.Fatal("host should be playing alone")
	}

	presMgr, err := presentation.NewManager("s1", presentation.DefaultConfig(), presentation.Deps{Bus: bus, Clock: clock})
	if err != nil {
		t.Fatalf("presentation NewManager failed: %v", err)
	}
	defer presMgr.Destroy()
	presPlayer := NewVirtualPlayer(clock, 300)
	pres := NewPresentation(presMgr, presPlayer, DefaultConfig(), clock)
	defer pres.Close()
	pres.Load("https://cdn.example/round2.mp4")
	pres.MarkReady()

	// stands in for the ready signal without moving the clock
	presMgr.SendStatus(protocol.StatusReady)

	waitFor(t, "presentation paused at host position", func() bool {
		ps := presPlayer.State()
		return !ps.Playing && near(ps.CurrentTime, 47.2)
	})

	hs := hostPlayer.State()
	if hs.Playing || !near(hs.CurrentTime, 47.2) {
		t.Errorf("host not paused at 47.2: %+v", hs)
	}
	if !hs.Muted {
		t.Error("host kept audio with a presentation connected")
	}
	if host.State() != StatePaused {
		t.Errorf("expected host paused, got %s", host.State())
	}
}
