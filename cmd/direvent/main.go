// Command direvent watches configured directory subtrees for filesystem
// changes and runs external handler programs in response (spec §1, §6).
package main

import (
	"context"
	"fmt"
	"io"
	"log/syslog"
	"os"
	"os/user"
	"strconv"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/direvent-io/direvent/pkg/backend"
	"github.com/direvent-io/direvent/pkg/config"
	"github.com/direvent-io/direvent/pkg/direvend"
	"github.com/direvent-io/direvent/pkg/direvent"
	"github.com/direvent-io/direvent/pkg/logging"
)

// defaultConfigPath is used when no CONFIG positional argument is given.
const defaultConfigPath = "/etc/direvent.yaml"

// exitError records the process exit code a failure should produce (spec
// §6: 0 success, 1 configuration/usage error, 2 runtime fatal).
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

func configError(err error) error { return &exitError{code: 1, err: err} }
func fatalError(err error) error  { return &exitError{code: 2, err: err} }

// flag-bound globals, matching the teacher's cmd/mutagen/main.go style of
// package-level flag variables bound once in the root command constructor.
var (
	debugCount   int
	facilityName string
	foreground   bool
	syslogTag    string
	pidFile      string
	testOnly     bool
	dropUser     string
	showVersion  bool
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		code := 2
		var ee *exitError
		if errors.As(err, &ee) {
			code = ee.code
		}
		fmt.Fprintln(os.Stderr, "direvent:", err)
		os.Exit(code)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "direvent [OPTIONS] [CONFIG]",
		Short:         "Monitor directories for changes and run handler programs",
		SilenceUsage:  true,
		SilenceErrors: true,
		Args:          cobra.MaximumNArgs(1),
		RunE:          run,
	}

	flags := cmd.Flags()
	flags.CountVarP(&debugCount, "debug", "d", "increase the debug level (repeatable)")
	flags.StringVarP(&facilityName, "facility", "F", "", "syslog facility name or number (0 forces stderr)")
	flags.BoolVarP(&foreground, "foreground", "f", false, "remain in the foreground and log to stderr")
	flags.StringVarP(&syslogTag, "tag", "L", "direvent", "syslog tag")
	flags.StringVarP(&pidFile, "pidfile", "P", "", "write the daemon's pid to this file")
	flags.BoolVarP(&testOnly, "test-config", "t", false, "parse the configuration file and exit")
	flags.StringVarP(&dropUser, "user", "u", "", "drop privileges to this user before watching")
	flags.BoolVarP(&showVersion, "version", "V", false, "print version information and exit")

	return cmd
}

func run(cmd *cobra.Command, args []string) error {
	if showVersion {
		fmt.Printf("direvent %s\n\n%s", direvent.Version, direvent.LegalNotice)
		return nil
	}

	configPath := defaultConfigPath
	if len(args) == 1 {
		configPath = args[0]
	}

	doc, err := config.Load(configPath)
	if err != nil {
		return configError(errors.Wrapf(err, "loading configuration %s", configPath))
	}
	if testOnly {
		return nil
	}

	logging.RootLogger.SetLevel(debugLevel(debugCount))

	if !foreground {
		w, err := resolveLogOutput(facilityName, syslogTag)
		if err != nil {
			return fatalError(errors.Wrap(err, "configuring syslog output"))
		}
		if w != nil {
			logging.SetOutput(w)
		}
	}

	if dropUser != "" {
		if err := dropPrivileges(dropUser); err != nil {
			return fatalError(errors.Wrapf(err, "dropping privileges to %s", dropUser))
		}
	}

	daemon := direvend.New(backend.New(), logging.RootLogger, pidFile)
	if err := daemon.LoadConfig(doc); err != nil {
		return configError(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := daemon.Run(ctx); err != nil {
		return fatalError(err)
	}
	return nil
}

// debugLevel maps a repeated -d flag count to a logging.Level, starting
// from the default warn level (spec §6: "increase debug level").
func debugLevel(count int) logging.Level {
	level := logging.LevelWarn
	for i := 0; i < count && level < logging.LevelTrace; i++ {
		level++
	}
	return level
}

// standardFacilities maps syslog facility names, and their conventional
// numeric codes, to log/syslog's Priority constants.
var standardFacilities = map[string]syslog.Priority{
	"kern":     syslog.LOG_KERN,
	"user":     syslog.LOG_USER,
	"mail":     syslog.LOG_MAIL,
	"daemon":   syslog.LOG_DAEMON,
	"auth":     syslog.LOG_AUTH,
	"syslog":   syslog.LOG_SYSLOG,
	"lpr":      syslog.LOG_LPR,
	"news":     syslog.LOG_NEWS,
	"uucp":     syslog.LOG_UUCP,
	"cron":     syslog.LOG_CRON,
	"authpriv": syslog.LOG_AUTHPRIV,
	"ftp":      syslog.LOG_FTP,
	"local0":   syslog.LOG_LOCAL0,
	"local1":   syslog.LOG_LOCAL1,
	"local2":   syslog.LOG_LOCAL2,
	"local3":   syslog.LOG_LOCAL3,
	"local4":   syslog.LOG_LOCAL4,
	"local5":   syslog.LOG_LOCAL5,
	"local6":   syslog.LOG_LOCAL6,
	"local7":   syslog.LOG_LOCAL7,
}

var facilitiesByNumber = []syslog.Priority{
	syslog.LOG_KERN, syslog.LOG_USER, syslog.LOG_MAIL, syslog.LOG_DAEMON,
	syslog.LOG_AUTH, syslog.LOG_SYSLOG, syslog.LOG_LPR, syslog.LOG_NEWS,
	syslog.LOG_UUCP, syslog.LOG_CRON, syslog.LOG_AUTHPRIV, syslog.LOG_FTP,
	0, 0, 0, 0, // 12-15 are unassigned in the traditional facility table
	syslog.LOG_LOCAL0, syslog.LOG_LOCAL1, syslog.LOG_LOCAL2, syslog.LOG_LOCAL3,
	syslog.LOG_LOCAL4, syslog.LOG_LOCAL5, syslog.LOG_LOCAL6, syslog.LOG_LOCAL7,
}

// resolveLogOutput interprets the -F flag (spec §6): empty means "daemon"
// facility, "0" forces stderr (nil, nil), a name or number otherwise
// selects a syslog facility. The daemon never constructs the syslog wire
// protocol itself — that remains log/syslog's job.
func resolveLogOutput(facility, tag string) (io.Writer, error) {
	if facility == "" {
		facility = "daemon"
	}

	if n, err := strconv.Atoi(facility); err == nil {
		if n == 0 {
			return nil, nil
		}
		if n < 0 || n >= len(facilitiesByNumber) {
			return nil, fmt.Errorf("facility number %d out of range", n)
		}
		return syslog.New(facilitiesByNumber[n]|syslog.LOG_INFO, tag)
	}

	priority, ok := standardFacilities[strings.ToLower(facility)]
	if !ok {
		return nil, fmt.Errorf("unrecognized syslog facility %q", facility)
	}
	return syslog.New(priority|syslog.LOG_INFO, tag)
}

// dropPrivileges switches the daemon process itself to username's uid/gid
// and supplementary groups (spec §6: "-u USER, drop privileges"), distinct
// from the per-handler credential drop pkg/procmanager performs for
// individual spawned children. Order matters: groups and gid must be set
// while still privileged enough to change them, uid last.
func dropPrivileges(username string) error {
	u, err := user.Lookup(username)
	if err != nil {
		return err
	}
	uid, err := strconv.Atoi(u.Uid)
	if err != nil {
		return fmt.Errorf("parsing uid %q: %w", u.Uid, err)
	}
	gid, err := strconv.Atoi(u.Gid)
	if err != nil {
		return fmt.Errorf("parsing gid %q: %w", u.Gid, err)
	}

	groupStrings, err := u.GroupIds()
	if err != nil {
		return err
	}
	gids := make([]int, 0, len(groupStrings))
	for _, g := range groupStrings {
		n, err := strconv.Atoi(g)
		if err != nil {
			return fmt.Errorf("parsing gid %q: %w", g, err)
		}
		gids = append(gids, n)
	}

	if err := syscall.Setgroups(gids); err != nil {
		return fmt.Errorf("setgroups: %w", err)
	}
	if err := syscall.Setgid(gid); err != nil {
		return fmt.Errorf("setgid: %w", err)
	}
	if err := syscall.Setuid(uid); err != nil {
		return fmt.Errorf("setuid: %w", err)
	}
	return nil
}
