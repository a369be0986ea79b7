package main

import "golang.org/x/sys/unix"

// FREAD from sys/fcntl.h selects the input queue.
const fread = 0x1

func tcflushInput(fd int) error {
	return unix.IoctlSetPointerInt(fd, unix.TIOCFLUSH, fread)
}
