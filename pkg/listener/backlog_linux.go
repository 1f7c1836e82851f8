package listener

import (
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

const somaxconnPath = "/proc/sys/net/core/somaxconn"

// maxBacklog returns net.core.somaxconn, the largest backlog the kernel will
// honour. The kernel silently truncates anything bigger.
func maxBacklog() int {
	data, err := os.ReadFile(somaxconnPath)
	if err != nil {
		return unix.SOMAXCONN
	}

	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n <= 0 {
		return unix.SOMAXCONN
	}
	return n
}
