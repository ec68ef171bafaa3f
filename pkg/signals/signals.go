package signals

import (
	"context"
	"os"
	"os/signal"

	"github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
)

var shutdownSignals = []os.Signal{unix.SIGINT, unix.SIGTERM}

// SetupSignalContext returns a context cancelled on SIGINT or SIGTERM so
// that cleanup can run. A second signal terminates the program immediately
// with exit code 1.
func SetupSignalContext() context.Context {
	ctx, cancel := context.WithCancel(context.Background())

	sigs := make(chan os.Signal, 2)
	signal.Notify(sigs, shutdownSignals...)
	go func() {
		s := <-sigs
		logrus.Infof("Signal received: %s, shutting down", s)
		cancel()
		s = <-sigs
		logrus.Infof("Second signal received: %s, exiting", s)
		os.Exit(1)
	}()

	return ctx
}
