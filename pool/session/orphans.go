package session

import (
	"errors"
	"os"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"
)

// A worker process starts right after its record's StartedAt. The lower
// bound allows for the whole-second boot time the kernel reports.
const (
	startSkewBefore = 2 * time.Second
	startSkewAfter  = 10 * time.Second
)

// ProcessTable checks and kills host processes.
type ProcessTable interface {
	Alive(pid int) bool
	// IsWorker reports whether pid still leads the process group that was
	// started for a worker at startedAt.
	IsWorker(pid int, startedAt time.Time) bool
	// Kill kills the process group led by pid.
	Kill(pid int) error
	BootTime() (time.Time, error)
}

// UnixProcessTable uses signals and /proc to inspect and kill processes.
type UnixProcessTable struct{}

// Alive reports whether pid exists. EPERM means it exists under another user.
func (UnixProcessTable) Alive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	return err == nil || errors.Is(err, unix.EPERM)
}

// IsWorker checks that pid is a process group leader whose start time
// matches startedAt. Without /proc it reports false.
func (UnixProcessTable) IsWorker(pid int, startedAt time.Time) bool {
	if pid <= 0 {
		return false
	}
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return false
	}
	proc, err := fs.Proc(pid)
	if err != nil {
		return false
	}
	stat, err := proc.Stat()
	if err != nil || stat.PGRP != pid {
		return false
	}

	secs, err := stat.StartTime()
	if err != nil {
		return false
	}
	started := time.Unix(0, int64(secs*float64(time.Second)))
	return !started.Before(startedAt.Add(-startSkewBefore)) && !started.After(startedAt.Add(startSkewAfter))
}

// Kill sends SIGKILL to the process group led by pid. A group that is
// already gone is not an error.
func (UnixProcessTable) Kill(pid int) error {
	if pid <= 0 {
		return unix.EINVAL
	}
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// BootTime returns when the host booted.
func (UnixProcessTable) BootTime() (time.Time, error) {
	fs, err := procfs.NewDefaultFS()
	if err != nil {
		return time.Time{}, err
	}
	stat, err := fs.Stat()
	if err != nil {
		return time.Time{}, err
	}
	return time.Unix(int64(stat.BootTime), 0), nil
}

// PruneOrphans kills workers recorded by managers that are no longer running
// and deletes their records. It returns the number of worker processes killed.
// A pid is only killed while it still leads the process group started for
// the recorded worker; records written before the last boot are dropped
// without killing anything.
func PruneOrphans(p SessionPersistence, procs ProcessTable, logger *zap.Logger) (int, error) {
	ids, err := p.ListAll()
	if err != nil {
		return 0, err
	}

	boot, err := procs.BootTime()
	if err != nil {
		logger.Debug("Boot time unavailable", zap.Error(err))
	}

	self := os.Getpid()
	killed := 0
	var errs error

	for _, id := range ids {
		record, err := p.Load(id)
		if err != nil {
			logger.Warn("Skipping unreadable session record", zap.String("session_id", id), zap.Error(err))
			continue
		}
		if record.ManagerPID == self || procs.Alive(record.ManagerPID) {
			continue
		}

		if !boot.IsZero() && record.UpdatedAt.Before(boot) {
			logger.Info("Dropping session record from before the last boot", zap.String("session_id", id))
			errs = multierr.Append(errs, p.Delete(id))
			continue
		}

		for _, w := range record.Workers {
			if !procs.Alive(w.PID) {
				continue
			}
			if !procs.IsWorker(w.PID, w.StartedAt) {
				logger.Info("Recorded worker pid now belongs to another process, leaving it",
					zap.String("session_id", id), zap.Int("port", w.Port), zap.Int("pid", w.PID))
				continue
			}
			if err := procs.Kill(w.PID); err != nil {
				errs = multierr.Append(errs, err)
				continue
			}
			killed++
			logger.Info("Killed orphaned worker",
				zap.String("session_id", id), zap.Int("port", w.Port), zap.Int("pid", w.PID))
		}

		errs = multierr.Append(errs, p.Delete(id))
	}

	return killed, errs
}
