// Command vscclient is the Virtual Smart Card client daemon: it connects
// to a host hypervisor's virtual CCID reader over TCP and bridges it to
// either an emulated NSS-style soft card or a real PC/SC reader on this
// machine.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/backend/emul"
	"github.com/virtcca/vscclient/internal/backend/passthrough"
	"github.com/virtcca/vscclient/internal/console"
	"github.com/virtcca/vscclient/internal/metricsx"
	"github.com/virtcca/vscclient/internal/pump"
	"github.com/virtcca/vscclient/internal/reader"
	"github.com/virtcca/vscclient/internal/sendgate"
	"github.com/virtcca/vscclient/internal/session"
)

// Exit codes from spec.md §6.
const (
	exitOK                 = 0
	exitThreadCreateFailed = 1
	exitUsage              = 4
	exitDialFailed         = 5
	exitReadinessFailed    = 7
	exitProtocolRead       = 8
	exitSendGateWrite      = 16
)

// maxCerts mirrors MAX_CERTS from the reference vscclient.c.
const maxCerts = 100

func main() {
	os.Exit(run())
}

func run() int {
	var (
		certs       []string
		emulArg     string
		passthrough bool
		verbose     int
	)

	flags := pflag.NewFlagSet("vscclient", pflag.ContinueOnError)
	flags.StringArrayVarP(&certs, "cert", "c", nil, "PEM certificate for an emulated soft card (repeatable)")
	flags.StringVarP(&emulArg, "emul", "e", "", "backend options string (NSS-style soft-card args, or a pcscd socket path override with -p)")
	flags.BoolVarP(&passthrough, "pcsc", "p", false, "select the passthrough backend (real readers via pcscd) instead of the emulated one")
	flags.IntVarP(&verbose, "debug", "d", 0, "verbosity level (0=info, 1=debug, >10=trace)")

	if err := flags.Parse(os.Args[1:]); err != nil {
		fmt.Fprintln(os.Stderr, err)
		fmt.Fprintln(os.Stderr, flags.FlagUsages())
		return exitUsage
	}
	if len(certs) > maxCerts {
		fmt.Fprintf(os.Stderr, "vscclient: at most %d -c certificates are supported\n", maxCerts)
		return exitUsage
	}

	args := flags.Args()
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: vscclient [flags] host port")
		fmt.Fprintln(os.Stderr, flags.FlagUsages())
		return exitUsage
	}
	host := args[0]
	port, err := strconv.Atoi(args[1])
	if err != nil || port <= 0 || port > 65535 {
		fmt.Fprintf(os.Stderr, "vscclient: invalid port %q\n", args[1])
		return exitUsage
	}

	level := verboseToLevel(verbose)
	log := newLogger(level)

	be, options := selectBackend(log, passthrough, emulArg, certs)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	notifyCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := be.Init(notifyCtx, options); err != nil {
		log.Error().Err(err).Msg("backend init failed")
		return exitReadinessFailed
	}
	defer be.Shutdown()

	reg := reader.NewRegistry()
	gate := reader.NewPendingGate(reg)
	sg := sendgate.New(nil)
	m := metricsx.New()

	return runDaemon(notifyCtx, be, reg, gate, sg, log, m, host, port, level)
}

// runDaemon wires the pump, session loop and console together and runs
// until the session terminates, the console sends "exit", or the process
// receives a termination signal.
func runDaemon(ctx context.Context, be backend.Backend, reg *reader.Registry, gate *reader.PendingGate, sg *sendgate.Gate, log zerolog.Logger, m *metricsx.Metrics, host string, port int, level zerolog.Level) int {
	sess := session.New(session.NetDialer, be, reg, gate, sg, log, m, host, port)
	if err := sess.Connect(ctx); err != nil {
		log.Error().Err(err).Msg("dial failed")
		return exitDialFailed
	}

	// spec.md §4.5: the stale-reader cleanup ReaderRemove must be sent
	// before the backend starts emitting READER_INSERT events, so the pump
	// does not start until this completes.
	if err := sess.Startup(); err != nil {
		log.Error().Err(err).Msg("startup ReaderRemove failed")
		return exitSendGateWrite
	}

	p := &pump.Pump{Backend: be, Gate: gate, Send: sg, Log: log, Metrics: m}

	errCh := make(chan error, 2)
	go func() { errCh <- p.Run(ctx) }()
	go func() { errCh <- sess.Run(ctx) }()

	c := console.New(os.Stdin, os.Stdout, reg, be, sg, sess, log, m, &level)
	consoleDone := make(chan error, 1)
	go func() { consoleDone <- c.Run() }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("daemon terminated")
			return exitProtocolRead
		}
		return exitOK
	case <-consoleDone:
		return exitOK
	case <-ctx.Done():
		return exitOK
	}
}

// selectBackend implements spec.md §6's "-p: select passthrough backend ...
// otherwise usage error" via the usePassthrough flag; -e carries the
// pcscd socket path override for passthrough, or the NSS-style soft-card
// options string for the emulated backend.
func selectBackend(log zerolog.Logger, usePassthrough bool, emulArg string, certs []string) (backend.Backend, string) {
	if usePassthrough {
		return passthrough.New(log), emulArg
	}
	return emul.New(log), emul.BuildEmulArgs(emulArg, certs)
}

func newLogger(level zerolog.Level) zerolog.Logger {
	var w io.Writer = os.Stderr
	if isTerminal(os.Stderr) {
		w = zerolog.ConsoleWriter{Out: os.Stderr}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}

// verboseToLevel maps the reference's verbose integer onto zerolog levels,
// matching internal/console's mapping for the "debug" command.
func verboseToLevel(v int) zerolog.Level {
	switch {
	case v > 10:
		return zerolog.TraceLevel
	case v >= 1:
		return zerolog.DebugLevel
	default:
		return zerolog.InfoLevel
	}
}
