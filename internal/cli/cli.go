package cli

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gitlab.com/tozd/go/errors"
	"golang.org/x/sync/errgroup"

	"gitlab.com/tozd/inject/internal/inject"
	"gitlab.com/tozd/inject/internal/ptracer"
)

const (
	exitSuccess = 0
	exitFailure = 1
)

const RFC3339Milli = "2006-01-02T15:04:05.000Z07:00"

// We manually prefix logging.
const logFlags = 0

var debugLog = false //nolint:gochecknoglobals

func timestamp() string {
	return time.Now().UTC().Format(RFC3339Milli)
}

var logDebugf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" inject: debug: "+msg, args...)
}

var logInfof = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" inject: info: "+msg, args...)
}

var logWarnf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" inject: warning: "+msg, args...)
}

var logErrorf = func(msg string, args ...any) { //nolint:gochecknoglobals
	log.Printf(timestamp()+" inject: error: "+msg, args...)
}

func ConfigureLog(level string) {
	log.SetFlags(logFlags)

	switch level {
	case "none":
		logErrorf = func(msg string, args ...any) {}
		fallthrough
	case "error":
		logWarnf = func(msg string, args ...any) {}
		fallthrough
	case "warn":
		logInfof = func(msg string, args ...any) {}
		fallthrough
	case "info", "": // Default log level.
		logDebugf = func(msg string, args ...any) {}
	case "debug":
		debugLog = true
	default:
		logWarnf("invalid log level %s, using debug", level)
		debugLog = true
	}
}

var (
	pids     []int  //nolint:gochecknoglobals
	dlflag   uint32 //nolint:gochecknoglobals
	resolve  string //nolint:gochecknoglobals
	unload   bool   //nolint:gochecknoglobals
	logLevel string //nolint:gochecknoglobals
)

var rootCmd = &cobra.Command{ //nolint:gochecknoglobals
	Use:          "inject --pid <pid> [--pid <pid> ...] <library.so>",
	Short:        "Load a shared library into running processes without their cooperation",
	Args:         cobra.ExactArgs(1),
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		ConfigureLog(logLevel)

		if len(pids) == 0 {
			return errors.New("at least one --pid is required")
		}

		// dlopen in the tracee resolves relative paths against the tracee's
		// working directory, not ours.
		path, e := filepath.Abs(args[0])
		if e != nil {
			return errors.Errorf("unable to make library path absolute: %w", e)
		}
		if _, e := os.Stat(path); e != nil {
			return errors.Errorf("library: %w", e)
		}

		// One goroutine per tracee. Tracees are distinct so injections do not
		// overlap on any one process, and every goroutine locks its own OS
		// thread for the duration of its ptrace session.
		g := new(errgroup.Group)
		for _, pid := range pids {
			pid := pid
			g.Go(func() error {
				return injectOne(pid, path, cmd.OutOrStdout())
			})
		}
		return g.Wait()
	},
}

func injectOne(pid int, path string, stdout io.Writer) errors.E {
	op := uuid.NewString()

	t := &ptracer.Tracee{
		Pid:      pid,
		DebugLog: debugLog,
		LogWarnf: logWarnf,
	}

	err := t.Attach()
	if err != nil {
		return errors.Errorf("[%s] attach to process %d: %w", op, pid, err)
	}
	defer func() {
		err2 := t.Detach()
		if err2 != nil {
			logErrorf("[%s] detach from process %d: %s", op, pid, err2.Error())
		}
	}()

	injector := inject.New(t)

	logInfof("[%s] loading %s into process %d", op, path, pid)
	handle, err := injector.LoadLibrary(path, dlflag)
	if err != nil {
		return errors.Errorf("[%s] load library into process %d: %w", op, pid, err)
	}
	if handle == 0 {
		return errors.Errorf("[%s] dlopen returned a null handle in process %d", op, pid)
	}
	logDebugf("[%s] dlopen handle %#x", op, handle)

	start, end, err := injector.ModuleRange(path)
	if err != nil {
		return errors.Errorf("[%s] library loaded but not mapped in process %d: %w", op, pid, err)
	}
	logInfof("[%s] loaded %s into process %d at %#x-%#x", op, path, pid, start, end)

	if resolve != "" {
		address, err := injector.ResolveSymbol(handle, resolve)
		if err != nil {
			return errors.Errorf("[%s] resolve symbol %q in process %d: %w", op, resolve, pid, err)
		}
		if address == 0 {
			return errors.Errorf("[%s] symbol %q not found in %s in process %d", op, resolve, path, pid)
		}
		if address < start || address >= end {
			logWarnf("[%s] symbol %q resolved to %#x outside of %s", op, resolve, address, path)
		}
		fmt.Fprintf(stdout, "%d %s %#x\n", pid, resolve, address)
	}

	if unload {
		err = injector.UnloadLibrary(handle)
		if err != nil {
			return errors.Errorf("[%s] unload library from process %d: %w", op, pid, err)
		}
		_, _, err = injector.ModuleRange(path)
		if err == nil {
			logWarnf("[%s] %s is still mapped in process %d after unload", op, path, pid)
		} else {
			logInfof("[%s] unloaded %s from process %d", op, path, pid)
		}
	}

	return nil
}

func init() { //nolint:gochecknoinits
	rootCmd.Flags().IntSliceVar(&pids, "pid", nil, "target process id (can be repeated)")
	rootCmd.Flags().Uint32Var(&dlflag, "flag", inject.RTLD_NOW|inject.RTLD_GLOBAL, "dlopen flag value")
	rootCmd.Flags().StringVar(&resolve, "resolve", "", "after loading, resolve this exported symbol and print its address")
	rootCmd.Flags().BoolVar(&unload, "unload", false, "dlclose the library again before detaching")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "log level (none, error, warn, info, debug)")
}

// Execute runs the command line interface.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logErrorf("exiting: %s", err.Error())
		os.Exit(exitFailure)
	}
	os.Exit(exitSuccess)
}
