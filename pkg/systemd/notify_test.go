package systemd

import (
	"net"
	"path/filepath"
	"testing"
	"time"

	"automsg/pkg/logx"
)

func TestNotifierWithoutSocketIsNoop(t *testing.T) {
	t.Setenv("NOTIFY_SOCKET", "")
	n := NewNotifier(logx.Nop())
	if n.Ready() || n.Reloaded() || n.Stopping() {
		t.Fatal("notify reported delivery without a socket")
	}
}

func TestNotifierSendsStates(t *testing.T) {
	sock := filepath.Join(t.TempDir(), "notify.sock")
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: sock, Net: "unixgram"})
	if err != nil {
		t.Skipf("unixgram not available: %v", err)
	}
	defer conn.Close()
	t.Setenv("NOTIFY_SOCKET", sock)

	n := NewNotifier(logx.Nop())
	if !n.Reloaded() {
		t.Fatal("Reloaded not delivered")
	}
	buf := make([]byte, 256)
	for _, want := range []string{"RELOADING=1", "READY=1"} {
		_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		k, err := conn.Read(buf)
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		if got := string(buf[:k]); got != want {
			t.Fatalf("state = %q, want %q", got, want)
		}
	}
}
