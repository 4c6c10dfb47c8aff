package main

import (
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"

	"github.com/flashkit/bekenboot"
	"github.com/sirupsen/logrus"
	prefixed "github.com/x-cray/logrus-prefixed-formatter"
)

const appVersion = "0.3.0"

var (
	log = logrus.New()

	stopRequested int32
)

func initLogger() {
	log.SetFormatter(&prefixed.TextFormatter{
		TimestampFormat: "15:04:05",
		FullTimestamp:   true,
		ForceFormatting: true,
	})
	log.SetOutput(os.Stdout)
	bekenboot.SetLogger(log)
}

// setUpSignalHandler turns the first SIGINT or SIGTERM into a cooperative
// stop. A second one exits immediately.
func setUpSignalHandler() {
	signals := make(chan os.Signal, 2)
	signal.Notify(signals, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-signals
		log.Warn("stopping, interrupt again to abort")
		atomic.StoreInt32(&stopRequested, 1)
		<-signals
		os.Exit(130)
	}()
}

func stopped() bool {
	return atomic.LoadInt32(&stopRequested) != 0
}

func main() {
	initLogger()
	setUpSignalHandler()

	if err := rootCmd.Execute(); err != nil {
		log.Fatal(err)
	}
}
