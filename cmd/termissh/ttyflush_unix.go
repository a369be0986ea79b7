//go:build linux || darwin

package main

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// flushTTYInput discards unread terminal input, such as late OSC or cursor
// position replies, so it is not sent to the remote shell as typing. It is
// best effort and silent when there is no controlling terminal.
func flushTTYInput() {
	tty, err := os.OpenFile("/dev/tty", os.O_RDONLY, 0)
	if err != nil {
		return
	}
	defer func() { _ = tty.Close() }()

	fd := int(tty.Fd())
	_ = tcflushInput(fd)

	// Replies can trail the flush; drain briefly without blocking.
	if err := unix.SetNonblock(fd, true); err != nil {
		return
	}
	defer func() { _ = unix.SetNonblock(fd, false) }()

	deadline := time.Now().Add(200 * time.Millisecond)
	buf := make([]byte, 512)
	for time.Now().Before(deadline) {
		n, _ := unix.Read(fd, buf)
		if n <= 0 {
			return
		}
		deadline = time.Now().Add(75 * time.Millisecond)
	}
}
