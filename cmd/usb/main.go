//go:build linux

// Command usb is the USB printer backend. The scheduler invokes it as the
// last slot of a job's filter pipeline:
//
//	usb uri hostname resource options print-fd copies
//
// with the side-channel socketpair inherited on a well-known descriptor
// and the back-channel pipe on another. With -list it instead enumerates
// connected printers for discovery and exits.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/gousb"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"golang.org/x/sys/unix"

	"github.com/printd-dev/printd/internal/usb"
	"github.com/printd-dev/printd/pkg/ieee1284"
	"github.com/printd-dev/printd/pkg/sidechan"
)

// findRetryDelay paces the wait for an absent printer.
const findRetryDelay = 5 * time.Second

func main() {
	list := flag.Bool("list", false, "list connected printers and exit")
	flag.Parse()

	log := stderrLogger()
	defer log.Sync()

	usbctx := gousb.NewContext()
	defer usbctx.Close()

	if *list {
		os.Exit(listDevices(log, usbctx))
	}

	args := flag.Args()
	if len(args) != 6 {
		fmt.Fprintln(os.Stderr, "Usage: usb uri hostname resource options print-fd copies")
		os.Exit(usb.ExitFailed)
	}

	uri := args[0]
	printFD, err := strconv.Atoi(args[4])
	if err != nil || printFD < 0 {
		log.Error("invalid print-fd argument", zap.String("arg", args[4]))
		os.Exit(usb.ExitFailed)
	}
	copies, err := strconv.Atoi(args[5])
	if err != nil || copies < 1 {
		log.Error("invalid copies argument", zap.String("arg", args[5]))
		os.Exit(usb.ExitFailed)
	}

	// Jobs arriving on stdin cannot be re-queued, so let the driver flush
	// page data instead of dying mid-page.
	if printFD == 0 {
		signal.Ignore(syscall.SIGTERM)
	}

	side := openSideChannel(log)
	back := sidechan.OpenBackChannel()

	printer := usb.WaitFor(log, usbctx, uri, findRetryDelay)
	defer printer.Close()

	coord := usb.NewCoordinator(log, printer, printFD, back, side)
	status := coord.Run(copies, printFD != 0)

	printer.Close()
	os.Exit(status)
}

// openSideChannel wraps the inherited socketpair end, when the invoker
// passed one.
func openSideChannel(log *zap.Logger) sidechan.Conn {
	var st unix.Stat_t
	if err := unix.Fstat(sidechan.FD, &st); err != nil || st.Mode&unix.S_IFMT != unix.S_IFSOCK {
		return nil
	}

	if err := unix.SetNonblock(sidechan.FD, true); err != nil {
		log.Debug("side-channel non-blocking setup failed", zap.Error(err))
		return nil
	}

	f := os.NewFile(sidechan.FD, "side-channel")
	if f == nil {
		return nil
	}
	return f
}

// listDevices reports every connected printer in discovery format:
//
//	direct <uri> "<make-model>" "<info>" "<device-id>"
func listDevices(log *zap.Logger, usbctx *gousb.Context) int {
	_, err := usb.Find(log, usbctx, func(p *usb.Printer, uri, deviceID string) bool {
		makeModel := ieee1284.MakeModel(ieee1284.Values(deviceID))
		fmt.Printf("direct %s %q %q %q\n", uri, makeModel, makeModel+" USB", deviceID)
		return false // keep enumerating
	})
	if err != nil && !errors.Is(err, usb.ErrNoPrinter) {
		log.Error("device enumeration failed", zap.Error(err))
		return usb.ExitFailed
	}
	return usb.ExitOK
}

// stderrLogger builds the backend's status logger. Lines land on stderr,
// which is the job's status pipe: the level prefix doubles as the status
// keyword the scheduler parses.
func stderrLogger() *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		MessageKey:       "msg",
		LevelKey:         "level",
		EncodeLevel:      zapcore.CapitalLevelEncoder,
		EncodeDuration:   zapcore.StringDurationEncoder,
		ConsoleSeparator: ": ",
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.Lock(os.Stderr),
		zapcore.DebugLevel,
	)
	return zap.New(core)
}
