// Package sockets implements the socket inheritor (port manager): it
// pre-binds listening sockets with address-reuse semantics so that
// restarts of the child do not require re-binding the address, and it
// hands those descriptors to each spawned child via controlled
// close-on-exec toggling plus a well-known environment variable.
package sockets

import (
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
)

// Listener is one pre-bound listening socket record.
type Listener struct {
	Port   int
	Family int // unix.AF_INET or unix.AF_INET6
	fd     int
	file   *os.File
}

// Inheritor owns the supervisor's pre-bound listening sockets for its
// entire lifetime: created once at startup, destroyed only at final
// supervisor exit, never between child restarts.
type Inheritor struct {
	log       zerolog.Logger
	listeners []*Listener
}

// Bind creates one LISTEN-state socket per port in ports, bound to addr,
// with SO_REUSEADDR and SO_REUSEPORT enabled so that an outgoing and
// incoming child can hold the same address simultaneously across a
// restart. Errors here are fatal: the supervisor must abort before
// spawning a child rather than silently degrading.
func Bind(log zerolog.Logger, addr string, ports []int) (*Inheritor, error) {
	inh := &Inheritor{log: log}
	for _, port := range ports {
		l, err := bindOne(addr, port)
		if err != nil {
			inh.CloseAll()
			return nil, errors.Wrapf(err, "bind/listen on %s:%d", addr, port)
		}
		inh.listeners = append(inh.listeners, l)
		log.Info().Str("addr", addr).Int("port", port).Msg("pre-bound listening socket")
	}
	return inh, nil
}

func bindOne(addr string, port int) (*Listener, error) {
	family := unix.AF_INET
	var ip net.IP
	if addr != "" {
		ip = net.ParseIP(addr)
		if ip == nil {
			return nil, errors.Errorf("invalid bind address %q", addr)
		}
		if ip.To4() == nil {
			family = unix.AF_INET6
		}
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return nil, errors.Wrap(err, "socket")
	}
	cleanup := true
	defer func() {
		if cleanup {
			unix.Close(fd)
		}
	}()

	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
		return nil, errors.Wrap(err, "SO_REUSEADDR")
	}
	if err := unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, 1); err != nil {
		return nil, errors.Wrap(err, "SO_REUSEPORT")
	}

	if family == unix.AF_INET {
		var sa unix.SockaddrInet4
		sa.Port = port
		if ip != nil {
			copy(sa.Addr[:], ip.To4())
		}
		if err := unix.Bind(fd, &sa); err != nil {
			return nil, errors.Wrap(err, "bind")
		}
	} else {
		var sa unix.SockaddrInet6
		sa.Port = port
		if ip != nil {
			copy(sa.Addr[:], ip.To16())
		}
		if err := unix.Bind(fd, &sa); err != nil {
			return nil, errors.Wrap(err, "bind")
		}
	}

	const backlog = 128
	if err := unix.Listen(fd, backlog); err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	// Close-on-exec is set by default on the supervisor's copy; it is only
	// cleared momentarily around each spawn (PrepareForSpawn/ RestoreAfterSpawn).
	if err := unix.SetNonblock(fd, false); err != nil {
		return nil, errors.Wrap(err, "set blocking")
	}
	if _, err := unix.FcntlInt(uintptr(fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
		return nil, errors.Wrap(err, "set close-on-exec")
	}

	cleanup = false
	return &Listener{
		Port:   port,
		Family: family,
		fd:     fd,
		file:   os.NewFile(uintptr(fd), fmt.Sprintf("tinysv-listener-%d", port)),
	}, nil
}

// PrepareForSpawn clears close-on-exec on every inherited descriptor so
// the child keeps them across the image replacement, and returns the
// *os.File slice to hand to exec.Cmd.ExtraFiles in configured-port order.
func (inh *Inheritor) PrepareForSpawn() ([]*os.File, error) {
	files := make([]*os.File, 0, len(inh.listeners))
	for _, l := range inh.listeners {
		if _, err := unix.FcntlInt(uintptr(l.fd), unix.F_SETFD, 0); err != nil {
			return nil, errors.Wrapf(err, "clear close-on-exec on fd %d", l.fd)
		}
		files = append(files, l.file)
	}
	return files, nil
}

// RestoreAfterSpawn re-sets close-on-exec on the supervisor's copy of each
// descriptor once the spawn system call has returned, so the descriptors
// do not leak into any subsequent unrelated spawn.
func (inh *Inheritor) RestoreAfterSpawn() {
	for _, l := range inh.listeners {
		if _, err := unix.FcntlInt(uintptr(l.fd), unix.F_SETFD, unix.FD_CLOEXEC); err != nil {
			inh.log.Debug().Err(err).Int("fd", l.fd).Msg("failed to re-arm close-on-exec")
		}
	}
}

// EnvValue returns the comma-separated decimal descriptor numbers the
// child will see, in the same order as PrepareForSpawn's file list: the
// child's fd N corresponds to ExtraFiles[i] at fd 3+i.
func (inh *Inheritor) EnvValue() string {
	nums := make([]string, len(inh.listeners))
	for i := range inh.listeners {
		nums[i] = strconv.Itoa(3 + i)
	}
	return strings.Join(nums, ",")
}

// Len reports how many listeners are held.
func (inh *Inheritor) Len() int {
	return len(inh.listeners)
}

// CloseAll closes every held listener. Only called at final supervisor
// exit or when a later bind in the same startup sequence fails.
func (inh *Inheritor) CloseAll() {
	for _, l := range inh.listeners {
		_ = l.file.Close()
	}
	inh.listeners = nil
}
