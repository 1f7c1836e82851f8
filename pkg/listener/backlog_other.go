//go:build unix && !linux

package listener

import "golang.org/x/sys/unix"

func maxBacklog() int {
	return unix.SOMAXCONN
}
