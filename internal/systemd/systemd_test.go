// © 2024 Ilya Mateyko. All rights reserved.
// Use of this source code is governed by the ISC
// license that can be found in the LICENSE.md file.

package systemd

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"go.astrophena.name/rssbot/internal/testutil"
)

func listen(t *testing.T) (*net.UnixConn, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "notify.sock")
	l, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: path, Net: "unixgram"})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { l.Close() })
	return l, path
}

func read(t *testing.T, l *net.UnixConn) string {
	t.Helper()
	l.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 512)
	n, _, err := l.ReadFromUnix(buf)
	if err != nil {
		t.Fatal(err)
	}
	return string(buf[:n])
}

func getenv(env map[string]string) func(string) string {
	return func(name string) string { return env[name] }
}

func TestNotify(t *testing.T) {
	t.Parallel()

	l, path := listen(t)
	n, err := FromEnv(getenv(map[string]string{"NOTIFY_SOCKET": path}))
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, n.Enabled(), true)

	if err := n.Notify(Ready, Status("watching %d feeds", 3)); err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, read(t, l), "READY=1\nSTATUS=watching 3 feeds")
}

func TestNotifyDisabled(t *testing.T) {
	t.Parallel()

	n, err := FromEnv(getenv(nil))
	if err != nil {
		t.Fatal(err)
	}
	testutil.AssertEqual(t, n.Enabled(), false)
	if err := n.Notify(Ready); err != nil {
		t.Fatal(err)
	}

	var nilNotifier *Notifier
	if err := nilNotifier.Notify(Stopping); err != nil {
		t.Fatal(err)
	}
}

func TestFromEnvBadWatchdog(t *testing.T) {
	t.Parallel()

	for _, usec := range []string{"soon", "0", "-5"} {
		if _, err := FromEnv(getenv(map[string]string{"WATCHDOG_USEC": usec})); err == nil {
			t.Errorf("FromEnv with WATCHDOG_USEC=%q: want error", usec)
		}
	}
}

func TestWatchdogLoop(t *testing.T) {
	t.Parallel()

	l, path := listen(t)
	n, err := FromEnv(getenv(map[string]string{
		"NOTIFY_SOCKET": path,
		"WATCHDOG_USEC": "100000",
	}))
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		n.WatchdogLoop(ctx)
		close(done)
	}()

	testutil.AssertEqual(t, read(t, l), "WATCHDOG=1")

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("WatchdogLoop didn't stop")
	}
}
