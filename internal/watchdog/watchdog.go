// Copyright 2022 The Chromium OS Authors. All rights reserved.
// Use of this source code is governed by a BSD-style license that can be
// found in the LICENSE file.

// Package watchdog manages the host's hardware watchdog devices.
//
// While a hung job is being forcibly killed, the host must not be rebooted
// by an already-armed hardware watchdog. The Manager therefore owns every
// /dev/watchdogN device for the duration of a batch, keeps them pinged while
// the supervisor makes progress, and guarantees they are disarmed on every
// exit path.
package watchdog

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"go.chromium.org/batchrunner/internal/logging"
	"go.chromium.org/batchrunner/internal/settings"
)

// device is the watchdog operation set needed by Manager. The hardware
// implementation is hwDevice; tests substitute fakes.
type device interface {
	// setTimeout requests a timeout in seconds and returns the timeout the
	// device actually granted, which may be shorter.
	setTimeout(secs int) (int, error)
	// ping keepalives the device.
	ping() error
	// disarm tells the device to stop counting and closes it.
	disarm()
	// path identifies the device in log messages.
	path() string
}

type hwDevice struct {
	f *os.File
	p string
}

func openDevice(path string) (device, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		return nil, err
	}
	return &hwDevice{f: f, p: path}, nil
}

func (d *hwDevice) setTimeout(secs int) (int, error) {
	fd := int(d.f.Fd())
	if err := unix.IoctlSetPointerInt(fd, unix.WDIOC_SETTIMEOUT, secs); err != nil {
		return 0, err
	}
	// The driver may round the requested timeout; read back what it granted.
	granted, err := unix.IoctlGetInt(fd, unix.WDIOC_GETTIMEOUT)
	if err != nil {
		return 0, err
	}
	return granted, nil
}

func (d *hwDevice) ping() error {
	return unix.IoctlWatchdogKeepalive(int(d.f.Fd()))
}

func (d *hwDevice) disarm() {
	// The magic close character. Without it, closing the fd leaves the
	// timer running on drivers configured with CONFIG_WATCHDOG_NOWAYOUT off.
	d.f.Write([]byte("V"))
	d.f.Close()
}

func (d *hwDevice) path() string { return d.p }

// Manager owns the set of open watchdog devices for one batch run.
type Manager struct {
	devs []device

	// openFunc opens one watchdog device. Tests replace it.
	openFunc func(path string) (device, error)
}

// NewManager creates a Manager with no open devices.
func NewManager() *Manager {
	return &Manager{openFunc: openDevice}
}

// Open opens every /dev/watchdogN device, in order, until one fails to open.
// It does nothing unless s enables watchdog use with a positive inactivity
// timeout.
func (m *Manager) Open(ctx context.Context, s *settings.Settings) {
	if !s.UseWatchdog || s.InactivityTimeout <= 0 {
		return
	}
	for i := 0; ; i++ {
		path := fmt.Sprintf("/dev/watchdog%d", i)
		d, err := m.openFunc(path)
		if err != nil {
			break
		}
		logging.Debugf(ctx, "Opened watchdog %s", path)
		m.devs = append(m.devs, d)
	}
	if len(m.devs) == 0 {
		logging.Info(ctx, "No watchdog devices found")
	}
}

// Count returns the number of armed devices.
func (m *Manager) Count() int {
	return len(m.devs)
}

// SetTimeout applies the same timeout, in seconds, to all open devices.
// A device that rejects the timeout is disarmed and dropped. If any device
// grants a shorter timeout than requested, the shorter value is re-applied
// to all devices so every survivor shares one effective timeout, which is
// returned.
func (m *Manager) SetTimeout(ctx context.Context, secs int) int {
	granted := secs
	kept := m.devs[:0]
	for _, d := range m.devs {
		got, err := d.setTimeout(granted)
		if err != nil {
			logging.Infof(ctx, "Watchdog %s refused timeout %ds, dropping it: %v", d.path(), granted, err)
			d.disarm()
			continue
		}
		kept = append(kept, d)
		if got > 0 && got < granted {
			granted = got
		}
	}
	m.devs = kept
	if granted != secs && len(m.devs) > 0 {
		return m.SetTimeout(ctx, granted)
	}
	return granted
}

// Ping keepalives all open devices. Called on every meaningful I/O event of
// the monitoring loop, so ping cadence tracks actual supervision progress.
func (m *Manager) Ping() {
	for _, d := range m.devs {
		d.ping()
	}
}

// Close disarms and closes every device. It is idempotent and must run on
// every exit path of a batch.
func (m *Manager) Close() {
	for _, d := range m.devs {
		d.disarm()
	}
	m.devs = nil
}
