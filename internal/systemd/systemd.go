// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

// Package systemd tells the service manager about service state using the
// sd_notify protocol.
//
// See https://www.freedesktop.org/software/systemd/man/sd_notify.html.
package systemd

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"go.astrophena.name/rssbot/internal/logger"
)

// State is a sd_notify state assignment.
type State string

const (
	// Ready tells the service manager that startup is finished.
	Ready State = "READY=1"
	// Stopping tells the service manager that the service is shutting down.
	Stopping State = "STOPPING=1"
	// Watchdog updates the watchdog timestamp.
	Watchdog State = "WATCHDOG=1"
)

// Status returns a state that sets the free-form status shown by systemctl.
func Status(format string, args ...any) State {
	return State("STATUS=" + fmt.Sprintf(format, args...))
}

// Notifier sends notifications to the service manager. A nil or zero
// Notifier does nothing, which is the case when the service doesn't run under
// systemd.
type Notifier struct {
	socket   string
	watchdog time.Duration
}

// FromEnv returns a Notifier configured from NOTIFY_SOCKET and WATCHDOG_USEC
// environment variables read with getenv.
func FromEnv(getenv func(string) string) (*Notifier, error) {
	n := &Notifier{socket: getenv("NOTIFY_SOCKET")}
	if usec := getenv("WATCHDOG_USEC"); usec != "" {
		v, err := strconv.Atoi(usec)
		if err != nil {
			return nil, fmt.Errorf("systemd: parsing WATCHDOG_USEC: %w", err)
		}
		if v <= 0 {
			return nil, errors.New("systemd: WATCHDOG_USEC must be a positive number")
		}
		n.watchdog = time.Duration(v) * time.Microsecond
	}
	return n, nil
}

// Enabled reports whether the service runs under systemd.
func (n *Notifier) Enabled() bool { return n != nil && n.socket != "" }

// Notify sends states in a single datagram.
func (n *Notifier) Notify(states ...State) error {
	if !n.Enabled() || len(states) == 0 {
		return nil
	}

	addr := &net.UnixAddr{Net: "unixgram", Name: n.socket}
	conn, err := net.DialUnix(addr.Net, nil, addr)
	if err != nil {
		return fmt.Errorf("systemd: %w", err)
	}
	defer conn.Close()

	lines := make([]string, len(states))
	for i, st := range states {
		lines[i] = string(st)
	}
	if _, err := conn.Write([]byte(strings.Join(lines, "\n"))); err != nil {
		return fmt.Errorf("systemd: %w", err)
	}
	return nil
}

// WatchdogLoop updates the watchdog timestamp at half of the watchdog
// interval until ctx is canceled. It returns immediately if the watchdog is
// disabled.
func (n *Notifier) WatchdogLoop(ctx context.Context) {
	if !n.Enabled() || n.watchdog == 0 {
		return
	}

	ticker := time.NewTicker(n.watchdog / 2)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := n.Notify(Watchdog); err != nil {
				logger.Get(ctx).Warn("updating watchdog timestamp failed", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}
