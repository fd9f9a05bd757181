// Package console implements the interactive stdin command set from
// spec.md §6 ("Console commands ... listed for completeness") and
// restored in full from original_source/libcaccard/vscclient.c's
// do_command: insert, remove, select, list, debug, exit.
package console

import (
	"bufio"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/rs/zerolog"

	"github.com/virtcca/vscclient/internal/backend"
	"github.com/virtcca/vscclient/internal/metricsx"
	"github.com/virtcca/vscclient/internal/reader"
	"github.com/virtcca/vscclient/internal/sendgate"
	"github.com/virtcca/vscclient/internal/wire"
)

// Closer is the subset of *session.Session the console needs to shut the
// connection down cleanly on "exit", kept narrow to avoid an import cycle
// with package session.
type Closer interface {
	Close() error
}

// Console reads commands from In and writes prompts/results to Out,
// mirroring do_command's reader_id stickiness: a bare "insert"/"remove"
// without an explicit id reuses the last id passed to "select"
// (default_reader_id in the reference); a bare "select" reports not found.
type Console struct {
	In       *bufio.Scanner
	Out      io.Writer
	Registry *reader.Registry
	Backend  backend.Backend
	Send     *sendgate.Gate
	Session  Closer
	Log      zerolog.Logger
	Metrics  *metricsx.Metrics
	Level    *zerolog.Level

	defaultReaderID uint32
	verbose         int
}

// New builds a Console reading from in and writing to out. level, if
// non-nil, is set in place by the "debug" command. A zerolog.Logger copies
// its level when it is built, so this does not change the level of a
// logger that already exists, including the one cmd/vscclient builds.
func New(in io.Reader, out io.Writer, reg *reader.Registry, be backend.Backend, send *sendgate.Gate, sess Closer, log zerolog.Logger, m *metricsx.Metrics, level *zerolog.Level) *Console {
	return &Console{
		In:       bufio.NewScanner(in),
		Out:      out,
		Registry: reg,
		Backend:  be,
		Send:     send,
		Session:  sess,
		Log:      log,
		Metrics:  m,
		Level:    level,
	}
}

// Run reads one line at a time until EOF, the "exit" command, or a read
// error. It returns nil on a clean "exit", matching the reference's
// exit(0) under that command.
func (c *Console) Run() error {
	for c.In.Scan() {
		line := strings.TrimRight(c.In.Text(), "\r\n")
		if done, err := c.dispatch(line); done {
			return err
		}
	}
	return c.In.Err()
}

// dispatch executes one command line. done is true when the console
// should stop reading further input (the "exit" command).
func (c *Console) dispatch(line string) (done bool, err error) {
	fields := strings.SplitN(strings.TrimSpace(line), " ", 2)
	if len(fields) == 0 || fields[0] == "" {
		return false, nil
	}
	cmd := fields[0]
	var arg string
	if len(fields) == 2 {
		arg = strings.TrimSpace(fields[1])
	}

	switch cmd {
	case "exit":
		c.cmdExit()
		return true, nil
	case "insert":
		c.cmdInsert(arg)
	case "remove":
		c.cmdRemove(arg)
	case "select":
		c.cmdSelect(arg)
	case "debug":
		c.cmdDebug(arg)
	case "list":
		c.cmdList()
	default:
		fmt.Fprintf(c.Out, "unknown command %q\n", cmd)
	}
	return false, nil
}

// idFromArg mirrors get_id_from_string: an empty arg keeps fallback, and a
// non-numeric (but non-empty, non-"0") arg also keeps fallback rather than
// silently resolving to id 0.
func idFromArg(arg string, fallback uint32) uint32 {
	if arg == "" {
		return fallback
	}
	n, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		if arg == "0" {
			return 0
		}
		return fallback
	}
	return uint32(n)
}

func (c *Console) readerByID(id uint32) (*reader.Reader, bool) {
	return c.Registry.ByID(id)
}

func (c *Console) cmdInsert(arg string) {
	id := idFromArg(arg, c.defaultReaderID)
	r, ok := c.readerByID(id)
	if !ok {
		fmt.Fprintf(c.Out, "insert invalid reader, id %d not found\n", id)
		return
	}
	if err := c.Backend.ForceCardInsert(r); err != nil {
		fmt.Fprintf(c.Out, "insert %s failed: %v\n", r.Name, err)
		return
	}
	fmt.Fprintf(c.Out, "insert %s, returned 0\n", r.Name)
}

func (c *Console) cmdRemove(arg string) {
	id := idFromArg(arg, c.defaultReaderID)
	r, ok := c.readerByID(id)
	if !ok {
		fmt.Fprintf(c.Out, "remove invalid reader, id %d not found\n", id)
		return
	}
	if err := c.Backend.ForceCardRemove(r); err != nil {
		fmt.Fprintf(c.Out, "remove %s failed: %v\n", r.Name, err)
		return
	}
	fmt.Fprintf(c.Out, "remove %s, returned 0\n", r.Name)
}

func (c *Console) cmdSelect(arg string) {
	id := idFromArg(arg, wire.UndefinedReaderID)
	if id == wire.UndefinedReaderID {
		fmt.Fprintf(c.Out, "Reader with id %d not found\n", id)
		return
	}
	r, ok := c.readerByID(id)
	if !ok {
		fmt.Fprintf(c.Out, "Reader with id %d not found\n", id)
		return
	}
	c.defaultReaderID = id
	fmt.Fprintf(c.Out, "Selecting reader %d, %s\n", id, r.Name)
}

func (c *Console) cmdDebug(arg string) {
	if arg != "" {
		if n, err := strconv.Atoi(arg); err == nil {
			c.verbose = n
			if c.Level != nil {
				*c.Level = verboseToLevel(n)
			}
		}
	}
	if c.Metrics != nil {
		var sb strings.Builder
		// WritePrometheus writes to an io.Writer; strings.Builder satisfies
		// it, matching the teacher's metricsx debug-dump convention.
		c.Metrics.WritePrometheus(&sb)
		fmt.Fprint(c.Out, sb.String())
	}
	fmt.Fprintf(c.Out, "debug level = %d\n", c.verbose)
}

func (c *Console) cmdList() {
	fmt.Fprintln(c.Out, color.YellowString("Active Readers:"))
	for _, r := range c.Registry.List() {
		present, _ := r.CardPresent()
		fmt.Fprintf(c.Out, "  %d: %s (card present: %v)\n", r.ID(), r.Name, present)
	}
}

// cmdExit reproduces the reference's clean-shutdown sequence: signal
// for every reader that has an assigned id, CardRemove if a card is
// present, then ReaderRemove, before tearing down the connection. Readers
// without an id are skipped.
func (c *Console) cmdExit() {
	fmt.Fprintln(c.Out, color.YellowString("Active Readers:"))
	for _, r := range c.Registry.List() {
		id := r.ID()
		if id == wire.UndefinedReaderID {
			continue
		}
		if present, _ := r.CardPresent(); present {
			_ = c.Send.Send(wire.CardRemove, id, nil)
		}
		_ = c.Send.Send(wire.ReaderRemove, id, nil)
	}
	if c.Session != nil {
		_ = c.Session.Close()
	}
}

// verboseToLevel maps the reference's verbose integer (0, 1, >10) onto
// zerolog levels, per SPEC_FULL.md §12.
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
