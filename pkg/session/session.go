// Package session wires a Transport, Dispatcher, Heartbeat, Command
// API, Goto Controller, Horizon Offset, Scheduler, and Startup Sequence
// into one Device Session, and exposes the northbound ControlSurface
// as plain Go methods on *Session.
//
// The wiring shape — one struct holding every collaborator, a Start
// that launches the long-running goroutines, and a context-based Stop
// — is grounded on codeready-toolchain-tarsy's cmd/tarsy/main.go, which
// constructs its Queue/MCP/Slack collaborators in dependency order and
// hands a single cancellable context to all of them.
package session

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/cgobat/seestar-bridge/pkg/capture"
	"github.com/cgobat/seestar-bridge/pkg/commandapi"
	"github.com/cgobat/seestar-bridge/pkg/config"
	"github.com/cgobat/seestar-bridge/pkg/dispatcher"
	"github.com/cgobat/seestar-bridge/pkg/gotoctl"
	"github.com/cgobat/seestar-bridge/pkg/heartbeat"
	"github.com/cgobat/seestar-bridge/pkg/horizon"
	"github.com/cgobat/seestar-bridge/pkg/metrics"
	"github.com/cgobat/seestar-bridge/pkg/mosaic"
	"github.com/cgobat/seestar-bridge/pkg/notify"
	"github.com/cgobat/seestar-bridge/pkg/schedule"
	"github.com/cgobat/seestar-bridge/pkg/scheduler"
	"github.com/cgobat/seestar-bridge/pkg/spectra"
	"github.com/cgobat/seestar-bridge/pkg/startup"
	"github.com/cgobat/seestar-bridge/pkg/transport"
)

// Session is one Device Session: every protocol collaborator wired
// together and driven by a single cancellable run context.
type Session struct {
	name string

	transp *transport.Transport
	disp   *dispatcher.Dispatcher
	cmd    *commandapi.CommandAPI
	hb     *heartbeat.Heartbeat

	offset  *horizon.Offset
	gotoCtl *gotoctl.Controller
	capture *capture.DeviceCapturer
	mosaic  *mosaic.Engine
	spectra *spectra.Engine
	startup *startup.Sequence
	cues    notify.CuePlayer

	mu        sync.Mutex
	schedule  *schedule.Schedule
	scheduler *scheduler.Scheduler
	runCtx    context.Context
	runCancel context.CancelFunc

	captureActive atomic.Bool // at-most-one-capture guard

	logger *slog.Logger
}

// New constructs a Session for one device. cues may be nil (defaults to
// a no-op player).
func New(name string, dev *config.DeviceConfig, site *config.SiteConfig, cues notify.CuePlayer) *Session {
	if cues == nil {
		cues = notify.NoOp{}
	}

	addr := fmt.Sprintf("%s:%d", dev.Host, dev.Port)
	transp := transport.New(addr, dev.DialTimeout)

	offset := horizon.New(site.Latitude)
	disp := dispatcher.New(offset.RemoveIncoming)
	cmd := commandapi.New(transp, disp)
	gotoCtl := gotoctl.New(cmd, disp, offset, dev.IsAltAz, site.Latitude)
	capturer := capture.New(cmd, gotoCtl)

	s := &Session{
		name:    name,
		transp:  transp,
		disp:    disp,
		cmd:     cmd,
		offset:  offset,
		gotoCtl: gotoCtl,
		capture: capturer,
		mosaic:  mosaic.New(capturer),
		spectra: spectra.New(capturer),
		startup: startup.New(cmd, cues, site),
		cues:    cues,
		runCtx:  context.Background(),
		logger:  slog.Default().With("component", "session", "device", name),
	}
	s.hb = heartbeat.New(s)
	return s
}

// ctx returns the Session's current run context, or a background
// context if Start hasn't been called yet (e.g. in narrow unit tests
// that exercise ControlSurface methods directly).
func (s *Session) ctx() context.Context {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.runCtx
}

var _ ControlSurface = (*Session)(nil)

// Start dials the device, launches the receive loop and heartbeat, and
// blocks until ctx is cancelled or the initial connection fails.
func (s *Session) Start(ctx context.Context) error {
	if err := s.transp.Connect(ctx); err != nil {
		return fmt.Errorf("session %s: initial connect: %w", s.name, err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.runCtx = runCtx
	s.runCancel = cancel
	s.mu.Unlock()

	go s.transp.Receive(runCtx, s.disp.HandleLine)
	go s.hb.Run(runCtx)

	s.logger.Info("session started")
	<-runCtx.Done()
	return nil
}

// Stop cancels the Session's run context and closes its transport.
func (s *Session) Stop() {
	s.mu.Lock()
	cancel := s.runCancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	_ = s.transp.Close()
}

// Connected implements heartbeat.Prober.
func (s *Session) Connected() bool { return s.transp.State() == transport.Connected }

// Reconnect implements heartbeat.Prober.
func (s *Session) Reconnect(ctx context.Context) error { return s.transp.Connect(ctx) }

// Probe implements heartbeat.Prober: send scope_get_equ_coord under the
// sentinel id and don't wait for its reply. The method choice matters —
// the Dispatcher refreshes its last-known pointing only from
// scope_get_equ_coord responses, and the Goto Controller's
// horizon-offset decision tree reads that pointing, so probing with
// anything else would let it go stale between gotos.
func (s *Session) Probe(ctx context.Context, sentinelID int64) error {
	return s.cmd.CallAsyncWithID(ctx, sentinelID, "scope_get_equ_coord", nil)
}

// shutdownAdapter lets the Scheduler issue a synchronous pi_shutdown
// after cleanup without depending on CommandAPI directly.
type shutdownAdapter struct{ cmd *commandapi.CommandAPI }

func (a shutdownAdapter) Shutdown(ctx context.Context) {
	a.cmd.CallSync(ctx, "pi_shutdown", nil)
}

var _ scheduler.Shutdowner = shutdownAdapter{}

// handlers builds the Handler map the Scheduler dispatches each item
// kind to.
func (s *Session) handlers() map[schedule.ItemKind]scheduler.Handler {
	waitHandler := scheduler.WaitUntilHandler()
	return map[schedule.ItemKind]scheduler.Handler{
		schedule.KindMosaic: func(ctx context.Context, item schedule.Item) error {
			return s.runCapture(ctx, func() error {
				_, err := s.mosaic.Run(ctx, *item.Mosaic)
				return err
			})
		},
		schedule.KindSpectra: func(ctx context.Context, item schedule.Item) error {
			return s.runCapture(ctx, func() error {
				_, err := s.spectra.Run(ctx, *item.Spectra)
				return err
			})
		},
		schedule.KindAutoFocus: func(ctx context.Context, item schedule.Item) error {
			for i := 0; i < max(1, item.AutoFocus.TryCount); i++ {
				if s.capture.AutoFocus(ctx) {
					return nil
				}
			}
			return fmt.Errorf("session: auto_focus item exhausted its try count")
		},
		schedule.KindWaitFor:   waitHandler,
		schedule.KindWaitUntil: waitHandler,
		schedule.KindShutdown: func(ctx context.Context, item schedule.Item) error {
			return nil // the Scheduler issues pi_shutdown itself on completion
		},
		schedule.KindRaw: func(ctx context.Context, item schedule.Item) error {
			resp := s.cmd.CallSync(ctx, item.Raw.Method, item.Raw.Params)
			if resp.Code != 0 {
				return fmt.Errorf("session: raw item %q failed: %s", item.Raw.Method, resp.Error)
			}
			return nil
		},
	}
}

// runCapture enforces the at-most-one-capture invariant
// across Mosaic and Spectra, since both are reachable independently via
// start_mosaic/start_spectra shortcuts as well as via the Scheduler.
func (s *Session) runCapture(ctx context.Context, fn func() error) error {
	if !s.captureActive.CompareAndSwap(false, true) {
		return fmt.Errorf("session: a capture loop is already active")
	}
	defer s.captureActive.Store(false)
	return fn()
}

// startScheduler builds a fresh Scheduler over sched and starts it,
// replacing any previously stopped/complete one. Refuses to replace a
// Scheduler that is still working or stopping, so a prior run is never
// orphaned mid-flight.
func (s *Session) startScheduler(ctx context.Context, sched *schedule.Schedule) error {
	s.mu.Lock()
	if s.scheduler != nil {
		st := s.scheduler.Snapshot().State
		if st == schedule.Working || st == schedule.Stopping {
			s.mu.Unlock()
			return fmt.Errorf("session: a scheduler is already %s", st)
		}
	}
	sch := scheduler.New(sched, s.handlers(), s.offset, gotoctl.NewSyncer(s.cmd), shutdownAdapter{cmd: s.cmd})
	s.scheduler = sch
	s.mu.Unlock()

	metrics.SetSchedulerState(string(schedule.Working))
	sch.Start(ctx)
	return nil
}

func uuidOrNil(id uuid.UUID) any {
	if id == uuid.Nil {
		return nil
	}
	return id.String()
}
