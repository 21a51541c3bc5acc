// Package repl implements the interactive control shell over a sandbox
// manager.
package repl

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"boxguard/internal/sandbox/event"
	"boxguard/internal/sandbox/manager"
	appErr "boxguard/pkg/errors"

	"github.com/google/shlex"
)

// Session holds REPL state.
type Session struct {
	mgr          *manager.Manager
	prettyJSON   bool
	outputWriter *bufio.Writer

	events     <-chan event.Event
	cancelFeed func()
}

// New builds a session over the manager. The session subscribes to the
// event feed immediately so `events` shows everything since startup.
func New(mgr *manager.Manager, prettyJSON bool) *Session {
	ch, cancel := mgr.Events().Subscribe()
	return &Session{
		mgr:          mgr,
		prettyJSON:   prettyJSON,
		outputWriter: bufio.NewWriter(os.Stdout),
		events:       ch,
		cancelFeed:   cancel,
	}
}

// Run reads commands until exit or EOF.
func (s *Session) Run(ctx context.Context) {
	if s.mgr.Simulated() {
		s.printLine("note: real isolation unavailable, running in simulation mode")
	}
	reader := bufio.NewReader(os.Stdin)
	for {
		_, _ = s.outputWriter.WriteString("boxguard> ")
		_ = s.outputWriter.Flush()
		line, err := reader.ReadString('\n')
		if err != nil {
			s.printLine("read input failed: %v", err)
			return
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		switch line {
		case "exit", "quit":
			s.printLine("bye")
			s.cancelFeed()
			return
		case "help":
			s.printHelp()
			continue
		}

		if err := s.handleCommand(ctx, line); err != nil {
			s.printError(err)
		}
	}
}

func (s *Session) handleCommand(ctx context.Context, line string) error {
	tokens, err := shlex.Split(line)
	if err != nil {
		return fmt.Errorf("parse command failed: %w", err)
	}
	if len(tokens) == 0 {
		return nil
	}
	action := tokens[0]
	args := tokens[1:]

	switch action {
	case "create":
		return s.handleCreate(ctx, args)
	case "start":
		return s.withID(args, func(id string) error { return s.mgr.Start(ctx, id) })
	case "pause":
		return s.withID(args, func(id string) error { return s.mgr.Pause(ctx, id) })
	case "resume":
		return s.withID(args, func(id string) error { return s.mgr.Resume(ctx, id) })
	case "stop":
		return s.withID(args, func(id string) error { return s.mgr.Stop(ctx, id) })
	case "delete":
		return s.withID(args, func(id string) error { return s.mgr.Delete(ctx, id) })
	case "info":
		return s.handleInfo(args)
	case "list":
		s.handleList()
		return nil
	case "events":
		s.handleEvents()
		return nil
	case "profiles":
		s.handleProfiles()
		return nil
	case "observe":
		return s.handleObserve(args)
	case "perf":
		return s.handlePerf(args)
	case "suggest":
		s.handleSuggest()
		return nil
	case "export":
		return s.handleExport(args)
	default:
		return fmt.Errorf("unknown command: %s (try help)", action)
	}
}

func (s *Session) withID(args []string, fn func(id string) error) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: <command> <sandbox_id>")
	}
	if err := fn(args[0]); err != nil {
		return err
	}
	s.printLine("ok")
	return nil
}

// create <id> <command...> [profile=<name>] [workdir=<path>]
func (s *Session) handleCreate(ctx context.Context, args []string) error {
	if len(args) < 2 {
		return fmt.Errorf(`usage: create <id> "<command>" [profile=<name>] [workdir=<path>]`)
	}
	id := args[0]
	profileName := ""
	workDir := ""
	var commandParts []string
	for _, arg := range args[1:] {
		switch {
		case strings.HasPrefix(arg, "profile="):
			profileName = strings.TrimPrefix(arg, "profile=")
		case strings.HasPrefix(arg, "workdir="):
			workDir = strings.TrimPrefix(arg, "workdir=")
		default:
			commandParts = append(commandParts, arg)
		}
	}

	info, err := s.mgr.Create(ctx, id, strings.Join(commandParts, " "), profileName, workDir)
	if err != nil {
		return err
	}
	s.printLine("created %s (profile %s)", info.ID, info.Profile)
	return nil
}

func (s *Session) handleInfo(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: info <sandbox_id>")
	}
	info, err := s.mgr.Get(args[0])
	if err != nil {
		return err
	}
	s.renderJSON(info)
	return nil
}

func (s *Session) handleList() {
	infos := s.mgr.List()
	if len(infos) == 0 {
		s.printLine("no sandboxes")
		return
	}
	for _, info := range infos {
		line := fmt.Sprintf("%-16s %-8s profile=%s", info.ID, info.State, info.Profile)
		if info.Pid != 0 {
			line += fmt.Sprintf(" pid=%d isolation=%s", info.Pid, info.Isolation)
		}
		if info.LatestUsage != nil {
			line += fmt.Sprintf(" mem=%dKiB cpu=%dms",
				info.LatestUsage.MemoryBytes/1024, info.LatestUsage.CPUTimeMs)
		}
		s.printLine("%s", line)
	}
}

// handleEvents drains whatever the feed buffered since the last call.
func (s *Session) handleEvents() {
	count := 0
	for {
		select {
		case ev, ok := <-s.events:
			if !ok {
				s.printLine("event feed closed")
				return
			}
			count++
			target := ev.SandboxID
			if target == "" {
				target = "-"
			}
			s.printLine("[%s] %-17s %-12s %s",
				ev.Timestamp.Format("15:04:05"), ev.Kind, target, ev.Message)
		default:
			if count == 0 {
				s.printLine("no new events")
			}
			return
		}
	}
}

func (s *Session) handleProfiles() {
	for _, name := range s.mgr.Profiles().Names() {
		p, _ := s.mgr.Profiles().Resolve(name)
		s.printLine("%-10s memory=%dMiB processes=%d priority=%s elevated=%v",
			p.Name, p.MaxMemoryBytes/(1024*1024), p.MaxProcessCount, p.Priority, p.RequireElevated)
	}
}

// observe <id> file=<path> | net=<op> | reg=<key> | window=<title>
func (s *Session) handleObserve(args []string) error {
	if len(args) < 2 {
		return fmt.Errorf("usage: observe <sandbox_id> file=<path>|net=<op>|reg=<key>|window=<title>")
	}
	obs := manager.Observation{}
	for _, arg := range args[1:] {
		switch {
		case strings.HasPrefix(arg, "file="):
			obs.FileOps = append(obs.FileOps, strings.TrimPrefix(arg, "file="))
		case strings.HasPrefix(arg, "net="):
			obs.NetworkOps = append(obs.NetworkOps, strings.TrimPrefix(arg, "net="))
		case strings.HasPrefix(arg, "reg="):
			obs.RegistryOps = append(obs.RegistryOps, strings.TrimPrefix(arg, "reg="))
		case strings.HasPrefix(arg, "window="):
			obs.Window = &manager.Signal{Title: strings.TrimPrefix(arg, "window=")}
		default:
			return fmt.Errorf("invalid observation: %s", arg)
		}
	}
	if err := s.mgr.Observe(args[0], obs); err != nil {
		return err
	}
	s.printLine("queued")
	return nil
}

func (s *Session) handlePerf(args []string) error {
	window := 10
	if len(args) > 0 {
		n, err := strconv.Atoi(args[0])
		if err != nil || n <= 0 {
			return fmt.Errorf("invalid window: %s", args[0])
		}
		window = n
	}
	summary, err := s.mgr.System().Summarize(window)
	if err != nil {
		return err
	}
	s.renderJSON(summary)
	return nil
}

func (s *Session) handleSuggest() {
	for _, suggestion := range s.mgr.System().Suggestions() {
		s.printLine("- %s", suggestion)
	}
}

func (s *Session) handleExport(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: export <path>")
	}
	if err := s.mgr.System().Export(args[0]); err != nil {
		return err
	}
	s.printLine("exported to %s", args[0])
	return nil
}

func (s *Session) renderJSON(v interface{}) {
	if s.prettyJSON {
		formatted, err := json.MarshalIndent(v, "", "  ")
		if err == nil {
			s.printLine("%s", string(formatted))
			return
		}
	}
	raw, _ := json.Marshal(v)
	s.printLine("%s", string(raw))
}

func (s *Session) printError(err error) {
	code := appErr.GetCode(err)
	switch code {
	case appErr.PermissionDenied:
		s.printLine("error: %v", err)
		s.printLine("hint: this profile needs elevated privileges, re-run as administrator/root")
	case appErr.SandboxNotFound:
		s.printLine("error: %v (use list to see known sandboxes)", err)
	case appErr.InternalError:
		s.printLine("error: %v", err)
	default:
		s.printLine("error [%d]: %v", code, err)
	}
}

func (s *Session) printHelp() {
	s.printLine("commands:")
	s.printLine(`  create <id> "<command>" [profile=<name>] [workdir=<path>]`)
	s.printLine("  start|pause|resume|stop|delete <id>")
	s.printLine("  info <id> | list | profiles")
	s.printLine("  observe <id> file=<path>|net=<op>|reg=<key>|window=<title>")
	s.printLine("  events | perf [n] | suggest | export <path>")
	s.printLine("  help | exit")
	s.printLine("examples:")
	s.printLine(`  create demo "sleep 60" profile=strict`)
	s.printLine("  start demo")
	s.printLine("  info demo")
}

func (s *Session) printLine(format string, args ...interface{}) {
	_, _ = fmt.Fprintf(s.outputWriter, format+"\n", args...)
	_ = s.outputWriter.Flush()
}
