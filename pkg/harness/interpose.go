// Copyright 2026 gurthang project authors. All rights reserved.
// Use of this source code is governed by Apache 2 LICENSE that can be found in the LICENSE file.

package harness

import (
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/gurthang/gurthang/pkg/conntab"
	"github.com/gurthang/gurthang/pkg/log"
)

// The interposition layer. Go cannot splice itself into an unmodified
// binary's symbol table the way an LD_PRELOAD shim can, so the four
// interception contracts are exposed as explicit entry points with the
// same semantics:
//
//   - OnListen / Listen / WrapListener capture the server's listening
//     socket once and lazily initialize the harness.
//   - OnAccept (or the wrapped listener's first Accept) spawns the
//     controller, then immediately returns control to the server.
//   - OnEpollCtl remembers the readiness set that monitors the listener.
//   - OnEpollWait spawns the controller for servers whose threads park in
//     the readiness wait before ever calling accept.
//
// A thin injected shim in the target's ABI, or a one-line patch in a Go
// server, routes the real calls through these. The controller is spawned
// at most once per process and the server's thread is never blocked beyond
// the spawn itself.

var (
	interpMu     sync.Mutex
	initialized  bool
	cfg          *Config
	table        *conntab.Table
	listenerFD   = -1
	listenerAddr net.Addr
	epollFD      = -1
	ctlStarted   bool
)

// OnListen captures the listening socket's file descriptor at the point of
// the server's listen call and initializes the harness on first use.
func OnListen(fd int) {
	interpMu.Lock()
	defer interpMu.Unlock()
	if initialized {
		return
	}
	initLocked(fd, nil)
}

// OnAccept spawns the controller on the first accept-style call.
func OnAccept() {
	interpMu.Lock()
	defer interpMu.Unlock()
	spawnControllerLocked("accept")
}

// OnEpollCtl remembers the epoll set that watches the captured listener.
func OnEpollCtl(epfd, op, fd int) {
	interpMu.Lock()
	defer interpMu.Unlock()
	if epollFD != -1 {
		return
	}
	if listenerFD == -1 && listenerAddr == nil {
		log.Logf(0, "epoll_ctl observed before the listener socket was discovered")
		return
	}
	if op == unix.EPOLL_CTL_ADD && fd == listenerFD {
		epollFD = epfd
		log.Logf(0, "found listener socket epoll FD: %v", epfd)
	}
}

// OnEpollWait spawns the controller when a server thread waits on the
// readiness set containing the listener before ever calling accept.
func OnEpollWait(epfd int) {
	interpMu.Lock()
	defer interpMu.Unlock()
	if epollFD == -1 || epollFD != epfd {
		return
	}
	spawnControllerLocked("epoll_wait")
}

// Listen opens a listener and wires it into the harness; the returned
// listener's first Accept spawns the controller. This is the entry point
// for Go targets built against the harness directly.
func Listen(network, address string) (net.Listener, error) {
	l, err := net.Listen(network, address)
	if err != nil {
		return nil, err
	}
	return WrapListener(l), nil
}

// WrapListener captures an existing listener's address and returns a
// wrapper whose Accept calls run the accept-side interposition.
func WrapListener(l net.Listener) net.Listener {
	interpMu.Lock()
	defer interpMu.Unlock()
	if !initialized {
		initLocked(-1, l.Addr())
	}
	return &wrappedListener{Listener: l}
}

type wrappedListener struct {
	net.Listener
}

func (l *wrappedListener) Accept() (net.Conn, error) {
	OnAccept()
	return l.Listener.Accept()
}

func initLocked(fd int, addr net.Addr) {
	if err := log.Setup("gurthang-lib", EnvLog); err != nil {
		log.Fatalf("%v", err)
	}
	var err error
	if cfg, err = ConfigFromEnv(); err != nil {
		log.Fatalf("%v", err)
	}
	log.SetExitImmediate(cfg.ExitImmediate)
	listenerFD = fd
	listenerAddr = addr
	table = conntab.New(dialListener)
	initialized = true
	log.Logf(0, "harness initialized (send_buffsize=%v, recv_buffsize=%v, no_wait=%v)",
		cfg.SendBufSize, cfg.RecvBufSize, cfg.Parallel)
}

func spawnControllerLocked(via string) {
	if !initialized {
		log.Fatalf("controller spawn requested before the listener was captured (via %v)", via)
	}
	if ctlStarted {
		return
	}
	ctlStarted = true
	log.Logf(0, "spawning controller thread (via %v)", via)
	ctl := &Controller{
		Config: cfg,
		Table:  table,
		Input:  os.Stdin,
		Stdout: os.Stdout,
	}
	go func() {
		if err := ctl.Run(); err != nil {
			log.Fatalf("%v", err)
		}
		ctl.Exit()
	}()
}

// dialListener opens a fresh stream socket of the captured listener's
// family and connects to its address.
func dialListener() (net.Conn, error) {
	addr := capturedAddr()
	if addr == nil {
		return nil, fmt.Errorf("failed to query the listener address")
	}
	return net.Dial(addr.Network(), addr.String())
}

func capturedAddr() net.Addr {
	interpMu.Lock()
	defer interpMu.Unlock()
	if listenerAddr != nil {
		return listenerAddr
	}
	if listenerFD == -1 {
		return nil
	}
	sa, err := unix.Getsockname(listenerFD)
	if err != nil {
		log.Fatalf("failed to getsockname(): %v", err)
	}
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		listenerAddr = &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrInet6:
		listenerAddr = &net.TCPAddr{IP: net.IP(sa.Addr[:]), Port: sa.Port}
	case *unix.SockaddrUnix:
		listenerAddr = &net.UnixAddr{Name: sa.Name, Net: "unix"}
	default:
		log.Fatalf("unsupported listener address family %T", sa)
	}
	return listenerAddr
}
