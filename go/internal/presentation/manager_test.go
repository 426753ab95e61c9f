package presentation

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/mcdev12/gamesync/go/internal/channel"
	"github.com/mcdev12/gamesync/go/internal/channel/local"
	"github.com/mcdev12/gamesync/go/internal/channel/remote"
	"github.com/mcdev12/gamesync/go/internal/hostsync"
	"github.com/mcdev12/gamesync/go/internal/monitor"
	"github.com/mcdev12/gamesync/go/internal/protocol"
)

const waitTimeout = 2 * time.Second

func newTestManager(t *testing.T, bus *local.Bus, clock *clockwork.FakeClock) *Manager {
	t.Helper()
	m, err := NewManager("s1", DefaultConfig(), Deps{Bus: bus, Clock: clock})
	if err != nil {
		t.Fatalf("NewManager failed: %v", err)
	}
	t.Cleanup(m.Destroy)
	return m
}

// hostPeer is a raw host-side link on the local bus
func hostPeer(t *testing.T, bus *local.Bus) (*channel.Duplex, <-chan protocol.Message) {
	t.Helper()
	rx := make(chan protocol.Message, 64)
	d, err := channel.OpenDuplex("s1", bus, nil, remote.DefaultConfig(), "host", func(m protocol.Message) { rx <- m })
	if err != nil {
		t.Fatalf("OpenDuplex failed: %v", err)
	}
	t.Cleanup(d.Close)
	return d, rx
}

func expectType(t *testing.T, rx <-chan protocol.Message, want protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(waitTimeout)
	for {
		select {
		case m := <-rx:
			if m.Type == want {
				return m
			}
		case <-deadline:
			t.Fatalf("no %s received", want)
			return protocol.Message{}
		}
	}
}

func TestReadyAfterDelay(t *testing.T) {
	bus := local.NewBus()
	clock := clockwork.NewFakeClock()
	_, rx := hostPeer(t, bus)
	newTestManager(t, bus, clock)

	select {
	case m := <-rx:
		t.Fatalf("unexpected %s before the ready delay", m.Type)
	case <-time.After(50 * time.Millisecond):
	}

	if err := clock.BlockUntilContext(t.Context(), 1); err != nil {
		t.Fatalf("ready timer never armed: %v", err)
	}
	clock.Advance(500 * time.Millisecond)

	m := expectType(t, rx, protocol.TypePresentationStatus)
	if m.Status != protocol.StatusReady {
		t.Errorf("expected ready, got %q", m.Status)
	}
}

func TestPingAnsweredWithPong(t *testing.T) {
	bus := local.NewBus()
	host, rx := hostPeer(t, bus)
	newTestManager(t, bus, clockwork.NewFakeClock())

	host.Publish(protocol.New(protocol.TypePing, "s1", time.Now()))

	m := expectType(t, rx, protocol.TypePresentationStatus)
	if m.Status != protocol.StatusPong {
		t.Errorf("expected pong, got %q", m.Status)
	}
}

func TestManagerSurvivesPingsDuringConstruction(t *testing.T) {
	bus := local.NewBus()
	clock := clockwork.NewFakeClock()

	var pongs atomic.Int64
	host, err := channel.OpenDuplex("s1", bus, nil, remote.DefaultConfig(), "host", func(m protocol.Message) {
		if m.Type == protocol.TypePresentationStatus && m.Status == protocol.StatusPong {
			pongs.Add(1)
		}
	})
	if err != nil {
		t.Fatalf("OpenDuplex failed: %v", err)
	}
	defer host.Close()

	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-stop:
				return
			default:
			}
			host.Publish(protocol.New(protocol.TypePing, "s1", clock.Now()))
			time.Sleep(50 * time.Microsecond)
		}
	}()

	for i := 0; i < 300; i++ {
		m, err := NewManager("s1", DefaultConfig(), Deps{Bus: bus, Clock: clock})
		if err != nil {
			close(stop)
			t.Fatalf("NewManager failed on iteration %d: %v", i, err)
		}
		m.Destroy()
	}

	m, err := NewManager("s1", DefaultConfig(), Deps{Bus: bus, Clock: clock})
	if err != nil {
		close(stop)
		t.Fatalf("NewManager failed: %v", err)
	}
	defer m.Destroy()

	before := pongs.Load()
	deadline := time.Now().Add(waitTimeout)
	for pongs.Load() == before && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	close(stop)
	<-done

	if pongs.Load() == before {
		t.Error("live manager never answered a ping")
	}
}

func TestHostCommandAckedAndDispatched(t *testing.T) {
	bus := local.NewBus()
	host, rx := hostPeer(t, bus)
	p := newTestManager(t, bus, clockwork.NewFakeClock())

	commands := make(chan protocol.Command, 1)
	p.OnHostCommand(func(c protocol.Command) { commands <- c })

	cmd := protocol.NewHostCommand("s1", protocol.ActionSeek, protocol.AtTime(47.2), time.Now())
	host.Publish(cmd)

	ack := expectType(t, rx, protocol.TypeCommandAck)
	if ack.CommandID != cmd.CommandID {
		t.Errorf("ack carries %s, want %s", ack.CommandID, cmd.CommandID)
	}

	select {
	case got := <-commands:
		if got.Action != protocol.ActionSeek || got.Data == nil || *got.Data.Time != 47.2 {
			t.Errorf("unexpected command %+v", got)
		}
	case <-time.After(waitTimeout):
		t.Fatal("command not dispatched")
	}
}

func TestSlideAndJoinInfoDispatch(t *testing.T) {
	bus := local.NewBus()
	host, _ := hostPeer(t, bus)
	p := newTestManager(t, bus, clockwork.NewFakeClock())

	slides := make(chan SlideUpdate, 1)
	joins := make(chan JoinInfo, 2)
	closes := make(chan struct{}, 1)
	p.OnSlideUpdate(func(s SlideUpdate) { slides <- s })
	p.OnJoinInfo(func(j JoinInfo) { joins <- j })
	p.OnClosePresentation(func() { closes <- struct{}{} })

	slide := protocol.New(protocol.TypeSlideUpdate, "s1", time.Now())
	slide.Slide = &protocol.Slide{ID: 3, Type: "image", Title: "Welcome"}
	host.Publish(slide)

	join := protocol.New(protocol.TypeJoinInfo, "s1", time.Now())
	join.JoinURL = "https://play.example/join/abc"
	join.QRCodeData = "data:image/png;base64,AAAA"
	host.Publish(join)
	host.Publish(protocol.New(protocol.TypeJoinInfoClose, "s1", time.Now()))
	host.Publish(protocol.New(protocol.TypeClosePresentation, "s1", time.Now()))

	select {
	case s := <-slides:
		if s.Slide.ID != 3 || s.Slide.Title != "Welcome" {
			t.Errorf("unexpected slide %+v", s.Slide)
		}
	case <-time.After(waitTimeout):
		t.Fatal("slide not dispatched")
	}

	for _, wantVisible := range []bool{true, false} {
		select {
		case j := <-joins:
			if j.Visible != wantVisible {
				t.Errorf("expected visible=%v, got %+v", wantVisible, j)
			}
			if wantVisible && j.URL != "https://play.example/join/abc" {
				t.Errorf("unexpected join url %q", j.URL)
			}
		case <-time.After(waitTimeout):
			t.Fatal("join info not dispatched")
		}
	}

	select {
	case <-closes:
	case <-time.After(waitTimeout):
		t.Fatal("close not dispatched")
	}
}

func TestVideoStatusPollUsesProvider(t *testing.T) {
	bus := local.NewBus()
	host, rx := hostPeer(t, bus)
	p := newTestManager(t, bus, clockwork.NewFakeClock())

	host.Publish(protocol.New(protocol.TypeVideoStatusPoll, "s1", time.Now()))
	select {
	case m := <-rx:
		t.Fatalf("unexpected %s without a provider", m.Type)
	case <-time.After(50 * time.Millisecond):
	}

	p.SetVideoStatusProvider(func() protocol.VideoState {
		return protocol.VideoState{Playing: true, CurrentTime: 12.5, Duration: 90, Volume: 1}
	})
	host.Publish(protocol.New(protocol.TypeVideoStatusPoll, "s1", time.Now()))

	m := expectType(t, rx, protocol.TypeVideoStatusResponse)
	if m.Video == nil || m.Video.CurrentTime != 12.5 || !m.Video.Playing {
		t.Errorf("unexpected video report %+v", m.Video)
	}
}

func TestDestroySendsDisconnectOnce(t *testing.T) {
	bus := local.NewBus()
	_, rx := hostPeer(t, bus)
	p := newTestManager(t, bus, clockwork.NewFakeClock())

	p.Destroy()
	p.Destroy()

	expectType(t, rx, protocol.TypePresentationDisconnect)
	select {
	case m := <-rx:
		t.Errorf("unexpected %s after Destroy", m.Type)
	case <-time.After(50 * time.Millisecond):
	}

	p.SendStatus(protocol.StatusReady)
	p.SendPresentationVideoReady()
	select {
	case m := <-rx:
		t.Errorf("send after Destroy delivered %s", m.Type)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestHostAndPresentationEndToEnd(t *testing.T) {
	bus := local.NewBus()
	broker := remote.NewMemoryBroker()
	clock := clockwork.NewFakeClock()

	hosts := hostsync.NewRegistry(hostsync.DefaultConfig(), hostsync.Deps{Bus: bus, Broker: broker, Clock: clock})
	host, err := hosts.Get("s1")
	if err != nil {
		t.Fatalf("host Get failed: %v", err)
	}
	defer host.Destroy()

	statuses := make(chan monitor.Status, 8)
	host.OnPresentationStatus(func(s monitor.Status) { statuses <- s })
	acks := make(chan hostsync.CommandAck, 1)
	host.OnCommandAck(func(a hostsync.CommandAck) { acks <- a })

	presentations := NewRegistry(DefaultConfig(), Deps{Bus: bus, Broker: broker, Clock: clock})
	p, err := presentations.Get("s1")
	if err != nil {
		t.Fatalf("presentation Get failed: %v", err)
	}
	commands := make(chan protocol.Command, 1)
	p.OnHostCommand(func(c protocol.Command) { commands <- c })

	waitStatus(t, statuses, monitor.StatusConnecting)

	if err := clock.BlockUntilContext(t.Context(), 2); err != nil {
		t.Fatalf("timers never armed: %v", err)
	}
	clock.Advance(500 * time.Millisecond)
	waitStatus(t, statuses, monitor.StatusConnected)

	id := host.SendCommand(protocol.ActionPlay, protocol.AtTime(12.5))
	select {
	case c := <-commands:
		if c.ID != id || c.Action != protocol.ActionPlay || *c.Data.Time != 12.5 {
			t.Errorf("unexpected command %+v", c)
		}
	case <-time.After(waitTimeout):
		t.Fatal("presentation did not receive the command")
	}
	select {
	case a := <-acks:
		if a.CommandID != id {
			t.Errorf("ack for %s, want %s", a.CommandID, id)
		}
	case <-time.After(waitTimeout):
		t.Fatal("host did not receive the ack")
	}
	select {
	case c := <-commands:
		t.Errorf("command delivered twice: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	p.Destroy()
	waitStatus(t, statuses, monitor.StatusDisconnected)
	if _, ok := presentations.Lookup("s1"); ok {
		t.Error("destroyed presentation still registered")
	}
}

func waitStatus(t *testing.T, ch <-chan monitor.Status, want monitor.Status) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("no transition to %s", want)
	}
}
