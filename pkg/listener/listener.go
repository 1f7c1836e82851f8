// Package listener acquires the single listening socket that every worker
// process serves.
//
// The socket is created by hand rather than through net.Listen so that the
// bind address family, SO_REUSEADDR and the listen backlog are all explicit,
// and so that the backing descriptor can be handed to child processes.
package listener

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"
	"syscall"

	"golang.org/x/sys/unix"
)

// ErrResolve is returned (wrapped) when the host or service cannot be
// resolved to a bind address.
var ErrResolve = errors.New("listener: cannot resolve bind address")

// Listener is a bound, listening TCP socket together with the *os.File that
// owns its descriptor.
//
// The file is what gets inherited by worker processes. Each process that
// holds a Listener closes it independently.
type Listener struct {
	net.Listener
	file *os.File
}

// Resolve returns the bind candidates for host and service.
//
// Both must be numeric: host is an IP literal (optionally bracketed) or empty
// for the passive wildcard, service is a port number. An empty host yields
// the IPv4 and IPv6 wildcard addresses, in that order.
func Resolve(host, service string) ([]netip.AddrPort, error) {
	port, err := strconv.ParseUint(service, 10, 16)
	if err != nil {
		return nil, fmt.Errorf("%w: service %q is not a numeric port", ErrResolve, service)
	}

	host = strings.TrimSuffix(strings.TrimPrefix(host, "["), "]")
	if host == "" {
		return []netip.AddrPort{
			netip.AddrPortFrom(netip.IPv4Unspecified(), uint16(port)),
			netip.AddrPortFrom(netip.IPv6Unspecified(), uint16(port)),
		}, nil
	}

	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, fmt.Errorf("%w: host %q is not a numeric address", ErrResolve, host)
	}

	return []netip.AddrPort{netip.AddrPortFrom(addr, uint16(port))}, nil
}

// Pick chooses the bind address: the first IPv6 candidate if there is one,
// otherwise the first candidate.
func Pick(candidates []netip.AddrPort) (netip.AddrPort, bool) {
	if len(candidates) == 0 {
		return netip.AddrPort{}, false
	}
	for _, c := range candidates {
		if c.Addr().Is6() && !c.Addr().Is4In6() {
			return c, true
		}
	}
	return candidates[0], true
}

// Listen resolves host and service, binds with SO_REUSEADDR and listens with
// the maximum backlog the OS allows.
func Listen(host, service string) (*Listener, error) {
	candidates, err := Resolve(host, service)
	if err != nil {
		return nil, err
	}

	addr, ok := Pick(candidates)
	if !ok {
		return nil, fmt.Errorf("%w: no candidates for %q", ErrResolve, net.JoinHostPort(host, service))
	}

	fd, err := bindSocket(addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	f := os.NewFile(uintptr(fd), "listener:"+addr.String())
	return FromFile(f)
}

// FromFile wraps an already listening socket, typically the one a worker
// inherited from its parent. The Listener takes ownership of f.
func FromFile(f *os.File) (*Listener, error) {
	ln, err := net.FileListener(f)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to rebuild listener from %s: %w", f.Name(), err)
	}

	return &Listener{Listener: ln, file: f}, nil
}

// File returns the descriptor backing the listener, for handing to children.
func (l *Listener) File() *os.File {
	return l.file
}

// Port returns the bound TCP port.
func (l *Listener) Port() int {
	if addr, ok := l.Addr().(*net.TCPAddr); ok {
		return addr.Port
	}
	return 0
}

// Close closes both the listener and its backing file.
func (l *Listener) Close() error {
	lerr := l.Listener.Close()
	ferr := l.file.Close()
	if lerr != nil {
		return lerr
	}
	return ferr
}

func bindSocket(addr netip.AddrPort) (int, error) {
	family, sa, err := sockaddr(addr)
	if err != nil {
		return -1, err
	}

	// Hold ForkLock so no child started concurrently inherits the descriptor
	// before it is marked close-on-exec.
	syscall.ForkLock.RLock()
	fd, err := unix.Socket(family, unix.SOCK_STREAM, unix.IPPROTO_TCP)
	if err == nil {
		unix.CloseOnExec(fd)
	}
	syscall.ForkLock.RUnlock()
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("setsockopt", err)
	}
	if err := unix.Bind(fd, sa); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("bind", err)
	}
	if err := unix.Listen(fd, maxBacklog()); err != nil {
		_ = unix.Close(fd)
		return -1, os.NewSyscallError("listen", err)
	}

	return fd, nil
}

func sockaddr(addr netip.AddrPort) (int, unix.Sockaddr, error) {
	ip := addr.Addr()
	port := int(addr.Port())

	if ip.Is4() || ip.Is4In6() {
		return unix.AF_INET, &unix.SockaddrInet4{Port: port, Addr: ip.Unmap().As4()}, nil
	}

	sa := &unix.SockaddrInet6{Port: port, Addr: ip.As16()}
	if zone := ip.Zone(); zone != "" {
		ifi, err := net.InterfaceByName(zone)
		if err != nil {
			return 0, nil, fmt.Errorf("%w: unknown zone %q", ErrResolve, zone)
		}
		sa.ZoneId = uint32(ifi.Index)
	}
	return unix.AF_INET6, sa, nil
}
