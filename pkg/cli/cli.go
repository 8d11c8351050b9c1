// Package cli implements the interactive operator console: session and
// counter visibility plus a session-clear action, over readline.
package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/nicshell/nicshell/pkg/auth"
	"github.com/nicshell/nicshell/pkg/device"
	"github.com/nicshell/nicshell/pkg/engine"
	"github.com/nicshell/nicshell/pkg/logging"
	"github.com/nicshell/nicshell/pkg/netproto"
	"github.com/nicshell/nicshell/pkg/session"
)

// CLI is the interactive operator console.
type CLI struct {
	rl  *readline.Instance
	out io.Writer

	dev      device.Device
	table    *session.Table
	store    *auth.Store
	engine   *engine.Processor
	events   *logging.EventBuffer
	hostname string
	started  time.Time
}

// New creates the console over the running service state.
func New(dev device.Device, table *session.Table, store *auth.Store,
	eng *engine.Processor, events *logging.EventBuffer) *CLI {
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "nicshell"
	}
	return &CLI{
		out:      os.Stdout,
		dev:      dev,
		table:    table,
		store:    store,
		engine:   eng,
		events:   events,
		hostname: hostname,
		started:  time.Now(),
	}
}

func (c *CLI) prompt() string {
	return fmt.Sprintf("%s> ", c.hostname)
}

func (c *CLI) completer() readline.AutoCompleter {
	return readline.NewPrefixCompleter(
		readline.PcItem("show",
			readline.PcItem("sessions"),
			readline.PcItem("users"),
			readline.PcItem("statistics"),
			readline.PcItem("status"),
			readline.PcItem("log"),
		),
		readline.PcItem("clear",
			readline.PcItem("sessions"),
		),
		readline.PcItem("help"),
		readline.PcItem("quit"),
		readline.PcItem("exit"),
	)
}

// Run starts the interactive loop and blocks until quit or EOF.
func (c *CLI) Run() error {
	var err error
	c.rl, err = readline.NewEx(&readline.Config{
		Prompt:          c.prompt(),
		HistoryFile:     "/tmp/nicshell_history",
		AutoComplete:    c.completer(),
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("readline init: %w", err)
	}
	defer c.rl.Close()
	c.out = c.rl.Stdout()

	fmt.Fprintln(c.out, "nicshell operator console")
	fmt.Fprintln(c.out, "Type 'help' for commands")
	fmt.Fprintln(c.out)

	for {
		line, err := c.rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			return err
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				return nil
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
	return nil
}

var errExit = fmt.Errorf("exit")

func (c *CLI) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}

	switch parts[0] {
	case "show":
		return c.handleShow(parts[1:])

	case "clear":
		return c.handleClear(parts[1:])

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func (c *CLI) handleShow(args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("show: missing target (sessions|users|statistics|status|log)")
	}
	switch args[0] {
	case "sessions":
		c.showSessions()
	case "users":
		c.showUsers()
	case "statistics":
		c.showStatistics()
	case "status":
		c.showStatus()
	case "log":
		n := 20
		if len(args) > 1 {
			v, err := strconv.Atoi(args[1])
			if err != nil || v < 1 {
				return fmt.Errorf("show log: bad count %q", args[1])
			}
			n = v
		}
		c.showLog(n)
	default:
		return fmt.Errorf("show: unknown target %q", args[0])
	}
	return nil
}

func (c *CLI) handleClear(args []string) error {
	if len(args) == 0 || args[0] != "sessions" {
		return fmt.Errorf("clear: unknown target")
	}
	n := c.table.Clear()
	fmt.Fprintf(c.out, "%d session(s) cleared\n", n)
	return nil
}

func (c *CLI) showSessions() {
	snap := c.table.Snapshot()
	if len(snap) == 0 {
		fmt.Fprintln(c.out, "No active sessions")
		return
	}
	fmt.Fprintf(c.out, "%-22s %-12s %-10s %-10s %s\n",
		"Client", "User", "Seq", "Ack", "Idle")
	for _, s := range snap {
		user := "-"
		if s.Authenticated {
			user = s.Username
		}
		fmt.Fprintf(c.out, "%-22s %-12s %-10d %-10d %s\n",
			fmt.Sprintf("%s:%d", netproto.Uint32ToIP(s.ClientIP), s.ClientPort),
			user, s.Seq, s.Ack,
			time.Since(s.LastActivity).Round(time.Second))
	}
	fmt.Fprintf(c.out, "\n%d of %d slots in use\n", len(snap), session.MaxSessions)
}

func (c *CLI) showUsers() {
	names := c.store.Usernames()
	fmt.Fprintf(c.out, "%d account(s):\n", len(names))
	for _, name := range names {
		fmt.Fprintf(c.out, "  %s\n", name)
	}
}

func (c *CLI) showStatistics() {
	dev := c.dev.Stats()
	eng := c.engine.Stats()
	created, evicted := c.table.Stats()

	fmt.Fprintln(c.out, "Device:")
	fmt.Fprintf(c.out, "  rx frames:   %d\n", dev.RxFrames)
	fmt.Fprintf(c.out, "  rx invalid:  %d\n", dev.RxInvalid)
	fmt.Fprintf(c.out, "  tx frames:   %d\n", dev.TxFrames)
	fmt.Fprintf(c.out, "  tx dropped:  %d\n", dev.TxDropped)
	fmt.Fprintf(c.out, "  ring polls:  %d\n", dev.RingPolls)
	fmt.Fprintln(c.out, "Pipeline:")
	fmt.Fprintf(c.out, "  frames:      %d\n", eng.Frames)
	fmt.Fprintf(c.out, "  dropped:     %d non-ipv4, %d non-tcp, %d other-port, %d malformed\n",
		eng.NonIPv4, eng.NonTCP, eng.OtherPort, eng.Malformed)
	fmt.Fprintf(c.out, "  table full:  %d\n", eng.TableFull)
	fmt.Fprintf(c.out, "  no session:  %d\n", eng.NoSession)
	fmt.Fprintf(c.out, "  auth:        %d ok, %d failed\n", eng.AuthOK, eng.AuthFail)
	fmt.Fprintf(c.out, "  commands:    %d\n", eng.Commands)
	fmt.Fprintf(c.out, "  replies:     %d\n", eng.Sent)
	fmt.Fprintln(c.out, "Sessions:")
	fmt.Fprintf(c.out, "  active:      %d\n", c.table.Count())
	fmt.Fprintf(c.out, "  created:     %d\n", created)
	fmt.Fprintf(c.out, "  evicted:     %d\n", evicted)
}

func (c *CLI) showStatus() {
	mac := c.dev.MAC()
	state := "absent"
	if c.dev.Present() {
		state = "present"
	}
	fmt.Fprintf(c.out, "device:   %s (%02x:%02x:%02x:%02x:%02x:%02x)\n",
		state, mac[0], mac[1], mac[2], mac[3], mac[4], mac[5])
	fmt.Fprintf(c.out, "uptime:   %s\n", time.Since(c.started).Round(time.Second))
	fmt.Fprintf(c.out, "sessions: %d/%d\n", c.table.Count(), session.MaxSessions)
	fmt.Fprintf(c.out, "accounts: %d\n", c.store.Count())
}

func (c *CLI) showLog(n int) {
	recs := c.events.Latest(n)
	if len(recs) == 0 {
		fmt.Fprintln(c.out, "No events")
		return
	}
	// Oldest first reads naturally in a terminal.
	for i := len(recs) - 1; i >= 0; i-- {
		rec := recs[i]
		fmt.Fprintf(c.out, "%s  %-13s %-21s %-10s %s\n",
			rec.Time.Format("15:04:05"), rec.Type, rec.ClientAddr, rec.Username, rec.Detail)
	}
}

func (c *CLI) showHelp() {
	fmt.Fprint(c.out, `Commands:
  show sessions     List active sessions
  show users        List accounts
  show statistics   Show device and pipeline counters
  show status       Show device and service state
  show log [n]      Show recent events
  clear sessions    Release every active session
  quit              Leave the console
`)
}