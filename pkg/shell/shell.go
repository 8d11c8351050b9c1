// Package shell is the command dispatcher behind the credential gate.
// It resolves one line at a time into a registered handler and returns
// the output text; transport framing and prompts belong to the caller.
package shell

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/nicshell/nicshell/pkg/netproto"
	"github.com/nicshell/nicshell/pkg/session"
)

// Handler executes one command. args excludes the command word itself.
type Handler func(args []string, sess *session.Session) string

type command struct {
	name    string
	help    string
	handler Handler
}

// Shell is a fixed registry of commands sharing the session table and a
// statistics source. Registration happens at startup; dispatch afterwards
// is read-only and safe from the packet path.
type Shell struct {
	commands map[string]command
	order    []string

	table   *session.Table
	statsFn func() string
	started time.Time
}

// New builds the dispatcher with the built-in command set. statsFn
// renders the service counters for the stats command; nil is allowed.
func New(table *session.Table, statsFn func() string) *Shell {
	sh := &Shell{
		commands: make(map[string]command),
		table:    table,
		statsFn:  statsFn,
		started:  time.Now(),
	}
	sh.Register("help", "Show available commands", sh.cmdHelp)
	sh.Register("echo", "Print arguments back", cmdEcho)
	sh.Register("whoami", "Show the logged-in user", cmdWhoami)
	sh.Register("uptime", "Show time since service start", sh.cmdUptime)
	sh.Register("sessions", "List active sessions", sh.cmdSessions)
	sh.Register("stats", "Show service counters", sh.cmdStats)
	return sh
}

// Register adds a command. Later registrations replace earlier ones of
// the same name.
func (sh *Shell) Register(name, help string, h Handler) {
	if _, exists := sh.commands[name]; !exists {
		sh.order = append(sh.order, name)
	}
	sh.commands[name] = command{name: name, help: help, handler: h}
}

// Execute dispatches one line. Unknown commands and blank lines get a
// hint rather than an error.
func (sh *Shell) Execute(line string, sess *session.Session) string {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return ""
	}
	cmd, ok := sh.commands[fields[0]]
	if !ok {
		return fmt.Sprintf("Unknown command: %s\nType 'help' for available commands", fields[0])
	}
	return cmd.handler(fields[1:], sess)
}

func (sh *Shell) cmdHelp(_ []string, _ *session.Session) string {
	names := make([]string, len(sh.order))
	copy(names, sh.order)
	sort.Strings(names)

	var b strings.Builder
	b.WriteString("Available commands:\n")
	for _, name := range names {
		fmt.Fprintf(&b, "  %-10s %s\n", name, sh.commands[name].help)
	}
	return strings.TrimRight(b.String(), "\n")
}

func cmdEcho(args []string, _ *session.Session) string {
	return strings.Join(args, " ")
}

func cmdWhoami(_ []string, sess *session.Session) string {
	if sess == nil || sess.Username == "" {
		return "not logged in"
	}
	return sess.Username
}

func (sh *Shell) cmdUptime(_ []string, _ *session.Session) string {
	return fmt.Sprintf("up %s", time.Since(sh.started).Round(time.Second))
}

func (sh *Shell) cmdSessions(_ []string, _ *session.Session) string {
	snap := sh.table.Snapshot()
	if len(snap) == 0 {
		return "no active sessions"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "%d active session(s):\n", len(snap))
	for _, s := range snap {
		state := "login"
		if s.Authenticated {
			state = s.Username
		}
		fmt.Fprintf(&b, "  %s:%d  %s  idle %s\n",
			netproto.Uint32ToIP(s.ClientIP), s.ClientPort, state,
			time.Since(s.LastActivity).Round(time.Second))
	}
	return strings.TrimRight(b.String(), "\n")
}

func (sh *Shell) cmdStats(_ []string, _ *session.Session) string {
	if sh.statsFn == nil {
		return "statistics unavailable"
	}
	return sh.statsFn()
}