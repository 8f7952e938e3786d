package transport

import (
	"fmt"
	"os"
	"runtime"

	"github.com/Masterminds/semver/v3"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/teranos/tock/errors"
)

// ProtocolVersion is the wire protocol this build speaks.
// Minor bumps add kinds or fields; a major bump breaks old peers.
const ProtocolVersion = "1.2.0"

// DefaultWorkerID identifies a worker as hostname:pid
func DefaultWorkerID() string {
	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	return fmt.Sprintf("%s:%d", hostname, os.Getpid())
}

// NewHello builds this process's hello frame. Host facts are best-effort.
func NewHello(workerID string) *Hello {
	hostname, _ := os.Hostname()
	if workerID == "" {
		workerID = DefaultWorkerID()
	}
	return &Hello{
		WorkerID: workerID,
		Hostname: hostname,
		PID:      os.Getpid(),
		Version:  ProtocolVersion,
		Host:     hostFacts(),
	}
}

func hostFacts() HostFacts {
	facts := HostFacts{OS: runtime.GOOS}
	if info, err := host.Info(); err == nil {
		facts.Platform = info.Platform
		facts.Kernel = info.KernelVersion
	}
	if n, err := cpu.Counts(true); err == nil {
		facts.CPUs = n
	}
	if v, err := mem.VirtualMemory(); err == nil {
		facts.MemTotal = v.Total
	}
	return facts
}

// checkVersion reports whether a hello's protocol version satisfies the master's constraint
func checkVersion(constraint *semver.Constraints, h *Hello) error {
	if constraint == nil {
		return nil
	}
	v, err := semver.NewVersion(h.Version)
	if err != nil {
		return errors.Wrapf(errors.ErrInvalidRequest, "worker %s sent invalid protocol version %q", h.WorkerID, h.Version)
	}
	if !constraint.Check(v) {
		return errors.Wrapf(errors.ErrInvalidRequest, "worker %s speaks protocol %s, master requires %s",
			h.WorkerID, h.Version, constraint.String())
	}
	return nil
}
