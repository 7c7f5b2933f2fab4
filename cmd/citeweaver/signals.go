package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/sirupsen/logrus"
)

// handleSignals cancels the crawl on the first SIGINT/SIGTERM and runs
// emergency before exiting on the second. SIGUSR1 resumes a crawl paused on a
// challenge. The returned func stops signal delivery.
func handleSignals(cancel context.CancelFunc, resume chan<- struct{}, emergency func()) func() {
	sigChan := make(chan os.Signal, 2)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGUSR1)
	done := make(chan struct{})

	go func() {
		interrupts := 0
		for {
			select {
			case <-done:
				return
			case sig := <-sigChan:
				if sig == syscall.SIGUSR1 {
					select {
					case resume <- struct{}{}:
						logrus.Info("Resume signal received")
					default:
					}
					continue
				}

				interrupts++
				if interrupts == 1 {
					logrus.Infof("Received signal: %v, stopping after the current request...", sig)
					cancel()
					continue
				}
				logrus.Warnf("Received second signal (%v) - forcing immediate exit!", sig)
				logrus.Warn("Attempting emergency save...")
				emergency()
				os.Exit(1)
			}
		}
	}()

	return func() {
		signal.Stop(sigChan)
		close(done)
	}
}
