package supervisor

import "syscall"

// Workers get SIGTERM if the thread that spawned them dies, so a parent
// killed without running the shutdown cascade still takes them down.
func sysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Pdeathsig: syscall.SIGTERM}
}
