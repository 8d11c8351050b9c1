// Package daemon wires the service together and owns its lifecycle:
// device bring-up, the frame poll loop, the session sweeper, the HTTP
// API, and the operator console, with coordinated shutdown on signal.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/nicshell/nicshell/pkg/api"
	"github.com/nicshell/nicshell/pkg/auth"
	"github.com/nicshell/nicshell/pkg/cli"
	"github.com/nicshell/nicshell/pkg/config"
	"github.com/nicshell/nicshell/pkg/device"
	"github.com/nicshell/nicshell/pkg/engine"
	"github.com/nicshell/nicshell/pkg/logging"
	"github.com/nicshell/nicshell/pkg/netproto"
	"github.com/nicshell/nicshell/pkg/session"
	"github.com/nicshell/nicshell/pkg/shell"
)

// pollIdleSleep is how long the poll loop backs off when the ring is
// empty, keeping an idle service off the CPU.
const pollIdleSleep = time.Millisecond

// Options control daemon startup.
type Options struct {
	ConfigFile string
	NoConsole  bool // force the console off regardless of configuration
	Debug      bool // force debug logging regardless of configuration
}

// Daemon is the running service.
type Daemon struct {
	opts Options

	cfg    *config.Config
	dev    device.Device
	table  *session.Table
	store  *auth.Store
	events *logging.EventBuffer
	proc   *engine.Processor
}

// New creates a daemon with the given options.
func New(opts Options) *Daemon {
	return &Daemon{opts: opts}
}

// Run brings the service up and blocks until a signal arrives or the
// console exits.
func (d *Daemon) Run(ctx context.Context) error {
	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	d.cfg = cfg
	if d.opts.Debug {
		cfg.Logging.Level = "debug"
	}
	setupLogging(cfg.Logging)

	slog.Info("starting nicshell daemon",
		"config", d.opts.ConfigFile,
		"backend", cfg.Network.Backend,
		"pid", os.Getpid())

	mac, err := cfg.Network.HardwareAddr()
	if err != nil {
		return err
	}
	serviceIP, err := cfg.Network.IPv4()
	if err != nil {
		return err
	}

	if d.dev, err = buildDevice(cfg, mac); err != nil {
		return err
	}
	defer d.dev.Close()

	d.store = auth.NewStore()
	for _, acct := range cfg.Accounts {
		if err := d.store.AddUser(acct.Username, acct.Password); err != nil {
			return fmt.Errorf("load account %q: %w", acct.Username, err)
		}
	}
	d.table = session.NewTable()
	d.events = logging.NewEventBuffer(1000)

	sh := shell.New(d.table, d.statsText)
	d.proc = engine.NewProcessor(d.dev, d.table, d.store, d.events, engine.Config{
		MAC:            d.dev.MAC(),
		IP:             serviceIP,
		Port:           cfg.Network.Port,
		WireKey:        cfg.Network.WireKey,
		PseudoChecksum: cfg.Network.PseudoChecksum,
		Dispatch:       sh,
	})

	gc := session.NewGC(d.table, cfg.Sessions.GCInterval, cfg.Sessions.IdleTimeout,
		func(s session.Session) {
			d.events.Add(logging.EventRecord{
				Type:       logging.EventSessionClose,
				ClientAddr: fmt.Sprintf("%s:%d", netproto.Uint32ToIP(s.ClientIP), s.ClientPort),
				Username:   s.Username,
				Detail:     "idle timeout",
			})
		})

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// WaitGroup for coordinated shutdown of background goroutines
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		d.pollLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		gc.Run(ctx)
	}()

	if cfg.API.Enabled {
		srv := api.NewServer(api.Config{
			Addr:        cfg.API.Listen,
			HTTPSAddr:   cfg.API.TLSListen,
			TLS:         cfg.API.TLS,
			Auth:        apiAuth(cfg.API),
			Device:      d.dev,
			Table:       d.table,
			Store:       d.store,
			Engine:      d.proc,
			GC:          gc,
			EventBuf:    d.events,
			ServiceIP:   cfg.Network.IP,
			ServicePort: cfg.Network.Port,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				slog.Error("API server failed", "err", err)
			}
		}()
	}

	var runErr error
	if cfg.Console.Enabled && !d.opts.NoConsole {
		console := cli.New(d.dev, d.table, d.store, d.proc, d.events)
		errCh := make(chan error, 1)
		go func() {
			errCh <- console.Run()
		}()

		select {
		case err := <-errCh:
			if err != nil {
				runErr = fmt.Errorf("console: %w", err)
			}
		case <-ctx.Done():
			slog.Info("signal received, shutting down")
		}
	} else {
		<-ctx.Done()
		slog.Info("signal received, shutting down")
	}

	// Cancel context to stop background goroutines, then wait for them.
	stop()
	wg.Wait()

	d.logFinalStats()
	slog.Info("shutdown complete")
	return runErr
}

// pollLoop drains the receive ring and feeds the packet pipeline. This
// is the only goroutine touching the device data path.
func (d *Daemon) pollLoop(ctx context.Context) {
	slog.Info("poll loop started")
	for {
		select {
		case <-ctx.Done():
			slog.Info("poll loop stopped")
			return
		default:
		}

		frame, ok := d.dev.PollOnce()
		if !ok {
			time.Sleep(pollIdleSleep)
			continue
		}
		d.proc.ProcessFrame(frame)
	}
}

// buildDevice opens the configured frame transport.
func buildDevice(cfg *config.Config, mac [6]byte) (device.Device, error) {
	switch cfg.Network.Backend {
	case config.BackendEmulated:
		return device.NewRTL8139(device.NewMemBus(mac)), nil
	case config.BackendAFPacket:
		dev, err := device.NewAFPacket(cfg.Network.Interface)
		if err != nil {
			return nil, err
		}
		return dev, nil
	default:
		return nil, fmt.Errorf("unknown device backend %q", cfg.Network.Backend)
	}
}

// apiAuth builds the API credential gate, or nil when none is configured.
func apiAuth(cfg config.APIConfig) *api.Credentials {
	if cfg.Username == "" && cfg.Password == "" && len(cfg.Keys) == 0 {
		return nil
	}
	return &api.Credentials{
		Username: cfg.Username,
		Password: cfg.Password,
		Keys:     cfg.Keys,
	}
}

// statsText renders the counter summary for the remote stats command.
func (d *Daemon) statsText() string {
	dev := d.dev.Stats()
	eng := d.proc.Stats()
	created, evicted := d.table.Stats()

	var b strings.Builder
	fmt.Fprintf(&b, "frames: %d rx, %d tx, %d invalid\n", dev.RxFrames, dev.TxFrames, dev.RxInvalid)
	fmt.Fprintf(&b, "pipeline: %d processed, %d replies\n", eng.Frames, eng.Sent)
	fmt.Fprintf(&b, "auth: %d ok, %d failed\n", eng.AuthOK, eng.AuthFail)
	fmt.Fprintf(&b, "sessions: %d active, %d created, %d evicted", d.table.Count(), created, evicted)
	return b.String()
}

func (d *Daemon) logFinalStats() {
	dev := d.dev.Stats()
	eng := d.proc.Stats()
	slog.Info("final statistics",
		"rx_frames", dev.RxFrames,
		"tx_frames", dev.TxFrames,
		"pipeline_frames", eng.Frames,
		"auth_ok", eng.AuthOK,
		"auth_fail", eng.AuthFail,
		"commands", eng.Commands)
}

// setupLogging installs the process-wide slog handler per configuration.
func setupLogging(cfg config.LoggingConfig) {
	var level slog.Level
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}
	slog.SetDefault(slog.New(handler))
}