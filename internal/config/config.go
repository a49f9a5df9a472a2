// Package config holds ambient configuration for a bus1q peer,
// generalising the teacher's BaseConfiguration/DefaultConfiguration
// (protocol version, logger, conflict relationship) to this module's
// connect/send/recv surface.
package config

import (
	"os"

	"github.com/ipcbus/bus1q/internal/log"
	"github.com/ipcbus/bus1q/internal/quota"
)

// Limits mirror the §6 request-surface caps.
const (
	// VecMax is the maximum number of vectors a single send may
	// carry.
	VecMax = 16
	// FDMax is the maximum number of file descriptors a single send
	// may transfer.
	FDMax = 253
)

// Peer holds everything a new peer needs beyond its name: logging,
// quota limits, and whether to back its pool with an mmap region or
// plain heap memory (tests default to heap so they do not depend on
// platform mmap availability).
type Peer struct {
	Name        string
	Logger      log.Logger
	Quota       quota.Limits
	UseHeapPool bool
}

// Default returns a Peer configuration with a sensible default quota
// and an info-level logrus logger writing to stderr, the same
// "sane defaults, swappable" stance as the teacher's
// DefaultConfiguration.
func Default(name string) *Peer {
	return &Peer{
		Name:   name,
		Logger: log.New(envDebug()),
		Quota: quota.Limits{
			MaxBytes:   64 << 20,
			MaxHandles: 1024,
		},
	}
}

func envDebug() bool {
	return os.Getenv("BUS1Q_DEBUG") != ""
}
