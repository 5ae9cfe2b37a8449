package ipc

import (
	"bytes"
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestSendMsgReceiveOneRoundTrip(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	payload := []byte("hello scout")
	if _, err := SendMsg(fds[0], payload); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	recv := NewMsgReceiver(fds[1])
	if err := recv.ReceiveOne(); err != nil {
		t.Fatalf("ReceiveOne: %v", err)
	}
	if !bytes.Equal(recv.Data(), payload) {
		t.Fatalf("Data() = %q, want %q", recv.Data(), payload)
	}
	if len(recv.Fds()) != 0 {
		t.Fatalf("unexpected fds: %v", recv.Fds())
	}
}

func TestSendMsgWithAncillaryFd(t *testing.T) {
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_DGRAM, 0)
	if err != nil {
		t.Fatalf("socketpair: %v", err)
	}
	defer unix.Close(fds[0])
	defer unix.Close(fds[1])

	tmp, err := os.CreateTemp(t.TempDir(), "ipc")
	if err != nil {
		t.Fatalf("tempfile: %v", err)
	}
	defer tmp.Close()

	if _, err := SendMsg(fds[0], []byte("fd!"), int(tmp.Fd())); err != nil {
		t.Fatalf("SendMsg: %v", err)
	}

	recv := NewMsgReceiver(fds[1])
	if err := recv.ReceiveOne(); err != nil {
		t.Fatalf("ReceiveOne: %v", err)
	}
	if len(recv.Fds()) != 1 {
		t.Fatalf("got %d fds, want 1", len(recv.Fds()))
	}
	defer unix.Close(recv.Fds()[0])
}
