//go:build darwin || dragonfly || freebsd || linux || netbsd || openbsd || solaris

package main

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func init() {
	mapFile = func(fd int, length int) ([]byte, error) {
		return unix.Mmap(fd, 0, length, syscall.PROT_READ, syscall.MAP_SHARED)
	}
	unmapFile = unix.Munmap
}
