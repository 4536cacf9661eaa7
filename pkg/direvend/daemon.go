// Package direvend wires the registry, backend, dispatch engine, and
// process manager together into the daemon's main loop (spec §4.7's
// "Signal discipline" and §5's "Ordering guarantees"), and translates a
// loaded pkg/config.Document into the handler.Handler and registry.Node
// graph the core operates on.
package direvend

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"os/user"
	"strconv"
	"syscall"
	"time"

	"github.com/direvent-io/direvent/pkg/backend"
	"github.com/direvent-io/direvent/pkg/config"
	"github.com/direvent-io/direvent/pkg/dispatch"
	"github.com/direvent-io/direvent/pkg/eventmask"
	"github.com/direvent-io/direvent/pkg/handler"
	"github.com/direvent-io/direvent/pkg/logging"
	"github.com/direvent-io/direvent/pkg/pattern"
	"github.com/direvent-io/direvent/pkg/procmanager"
	"github.com/direvent-io/direvent/pkg/registry"
)

// terminationSignals are the signals that trigger a clean shutdown (spec
// §5: "the daemon itself terminates cleanly on SIGTERM/SIGINT/SIGQUIT/SIGHUP").
var terminationSignals = []os.Signal{syscall.SIGTERM, syscall.SIGINT, syscall.SIGQUIT, syscall.SIGHUP}

// Daemon ties together one backend instance, its registry, its dispatch
// engine, and a process manager.
type Daemon struct {
	backend  backend.Backend
	registry *registry.Registry
	dispatch *dispatch.Engine
	procs    *procmanager.Manager
	logger   *logging.Logger
	pidFile  string
}

// New constructs a Daemon around b. pidFile, if non-empty, is written with
// the daemon's pid once Run starts and removed when it returns.
func New(b backend.Backend, logger *logging.Logger, pidFile string) *Daemon {
	if logger == nil {
		logger = logging.RootLogger
	}
	reg := registry.New(b, logger)
	return &Daemon{
		backend:  b,
		registry: reg,
		dispatch: dispatch.New(reg, b.Translator(), logger),
		procs:    procmanager.New(logger),
		logger:   logger,
		pidFile:  pidFile,
	}
}

// LoadConfig translates every rule in doc into a finalized handler and
// installs it over its path list (spec §3's rule-to-handler construction,
// §4.4's startup enumeration). It stops at the first rule it cannot wire
// up; config.Document.Validate should already have been run to catch
// structural problems before this point.
func (d *Daemon) LoadConfig(doc *config.Document) error {
	for i, rule := range doc.Rules {
		h, err := d.buildHandler(rule)
		if err != nil {
			return fmt.Errorf("direvend: watcher[%d]: %w", i, err)
		}
		for _, ps := range rule.Paths {
			depth := 0
			if ps.Recursive {
				depth = ps.Depth
			}
			if _, err := d.registry.InstallRoot(ps.Path, depth, []*handler.Handler{h}); err != nil {
				return fmt.Errorf("direvend: watcher[%d]: installing %q: %w", i, ps.Path, err)
			}
		}
	}
	return nil
}

// buildHandler constructs a finalized handler.Handler from one config.Rule
// (spec §3): compiling its file patterns, resolving its event mask through
// the backend's translator, resolving its user to a uid/gid pair, and
// mapping its option tokens to handler flags.
func (d *Daemon) buildHandler(rule config.Rule) (*handler.Handler, error) {
	patterns, err := pattern.NewSet(rule.Files)
	if err != nil {
		return nil, fmt.Errorf("compiling file patterns: %w", err)
	}

	var mask eventmask.Mask
	translator := d.backend.Translator()
	for _, name := range rule.Events {
		m, err := eventmask.NameToMask(name, translator)
		if err != nil {
			return nil, fmt.Errorf("event %q: %w", name, err)
		}
		mask.Generic |= m.Generic | translator.GenericForNative(m.Backend)
		mask.Backend |= m.Backend
	}

	var uid uint32
	var gids []uint32
	if rule.User != "" {
		uid, gids, err = resolveUser(rule.User)
		if err != nil {
			return nil, fmt.Errorf("resolving user %q: %w", rule.User, err)
		}
	}

	var flags handler.Flag
	for _, opt := range rule.Options {
		switch opt {
		case "nowait":
			flags |= handler.FlagNowait
		case "wait":
			flags &^= handler.FlagNowait
		case "stdout":
			flags |= handler.FlagStdoutCapture
		case "stderr":
			flags |= handler.FlagStderrCapture
		case "shell":
			flags |= handler.FlagShell
		default:
			return nil, fmt.Errorf("unrecognized option %q", opt)
		}
	}

	return handler.Builder{
		Mask:     mask,
		Patterns: patterns,
		Command:  rule.Command,
		UID:      uid,
		GIDs:     gids,
		Timeout:  time.Duration(rule.Timeout) * time.Second,
		Flags:    flags,
		Environ:  rule.Environ,
	}.Finalize(), nil
}

// resolveUser looks up name via the standard os/user package and returns
// its numeric uid and its full supplementary gid vector, primary gid first
// (spec §3: "supplementary gid vector including the primary gid"; spec §8
// scenario 6: "supplementary groups include nobody's primary group and
// every group of which nobody is a member").
func resolveUser(name string) (uid uint32, gids []uint32, err error) {
	u, err := user.Lookup(name)
	if err != nil {
		return 0, nil, err
	}
	uid64, err := strconv.ParseUint(u.Uid, 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}

	groupIDs, err := u.GroupIds()
	if err != nil {
		return 0, nil, fmt.Errorf("looking up groups for %s: %w", name, err)
	}

	gids = make([]uint32, 0, len(groupIDs)+1)
	gid64, err := strconv.ParseUint(u.Gid, 10, 32)
	if err != nil {
		return 0, nil, fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}
	gids = append(gids, uint32(gid64))
	for _, g := range groupIDs {
		n, err := strconv.ParseUint(g, 10, 32)
		if err != nil {
			return 0, nil, fmt.Errorf("parsing gid %q: %w", g, err)
		}
		if uint32(n) == uint32(gid64) {
			continue
		}
		gids = append(gids, uint32(n))
	}

	return uint32(uid64), gids, nil
}

// Run executes the daemon's main loop until ctx is cancelled or a
// termination signal arrives (spec §5's single-threaded cooperative loop:
// poll, dispatch, reap, scan-timeouts, repeat). Poll itself runs in a
// helper goroutine so the loop can select between its result and an
// incoming signal; no handler logic ever runs concurrently with the loop
// itself, matching the "no locks are required because no state is shared
// across threads" design.
func (d *Daemon) Run(ctx context.Context) error {
	if err := d.backend.Init(); err != nil {
		return fmt.Errorf("direvend: initializing backend: %w", err)
	}
	defer d.backend.Close()

	if d.pidFile != "" {
		if err := writePIDFile(d.pidFile); err != nil {
			return fmt.Errorf("direvend: writing pid file: %w", err)
		}
		defer os.Remove(d.pidFile)
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, terminationSignals...)
	defer signal.Stop(sigCh)

	type pollResult struct {
		events []backend.Event
		err    error
	}
	results := make(chan pollResult, 1)
	poll := func() {
		events, err := d.backend.Poll(ctx)
		results <- pollResult{events, err}
	}
	go poll()

	for {
		select {
		case sig := <-sigCh:
			d.logger.Notice("direvend: received %s, shutting down", sig)
			cancel()
			d.backend.Close()
			<-results
			return nil

		case res := <-results:
			if res.err != nil {
				if ctx.Err() != nil {
					return nil
				}
				d.logger.Warn(fmt.Errorf("direvend: poll: %w", res.err))
				go poll()
				continue
			}

			for _, run := range d.dispatch.Dispatch(res.events) {
				req := procmanager.Request{
					Handler:     run.Handler,
					Generic:     run.Generic,
					GenericName: run.GenericName,
					NativeCode:  run.NativeCode,
					NativeName:  run.NativeName,
					Dir:         run.Dir,
					Name:        run.Name,
				}
				if err := d.procs.Run(req); err != nil {
					d.logger.Warn(fmt.Errorf("direvend: handler %q: %w", run.Handler.Command(), err))
				}
			}

			d.procs.Reap()
			d.procs.ScanTimeouts()
			go poll()
		}
	}
}

// writePIDFile writes the daemon's own pid as a decimal number followed by
// a newline, truncating any existing file (spec §6: no locking, a plain
// text pid file).
func writePIDFile(path string) error {
	return os.WriteFile(path, []byte(fmt.Sprintf("%d\n", os.Getpid())), 0o644)
}

// Registry exposes the daemon's registry, primarily for tests and for
// cmd/direvent's startup diagnostics (e.g. reporting how many roots were
// installed).
func (d *Daemon) Registry() *registry.Registry { return d.registry }
