package epoll

import (
	"encoding/binary"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sys/unix"

	"tunnel-proxy/internal/domain"
)

// DefaultTick is the longest Run waits before calling EventHandler.Tick.
const DefaultTick = time.Second

type LinuxEventLoop struct {
	epollFD int
	wakeFD  int
	tick    time.Duration
	stopped atomic.Bool

	// mu keeps the fds open while another goroutine wakes or modifies the loop.
	mu     sync.RWMutex
	closed bool
}

func New() (*LinuxEventLoop, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	wfd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	l := &LinuxEventLoop{epollFD: fd, wakeFD: wfd, tick: DefaultTick}
	if err := l.Register(wfd, domain.TokenWaker, domain.EventRead); err != nil {
		unix.Close(wfd)
		unix.Close(fd)
		return nil, fmt.Errorf("register waker: %w", err)
	}
	return l, nil
}

// SetTick changes the tick interval; it must be called before Run.
func (l *LinuxEventLoop) SetTick(d time.Duration) {
	l.tick = d
}

func (l *LinuxEventLoop) Register(fd int, token domain.Token, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET, // Edge-triggered
		Fd:     int32(token),
	}
	return l.ctl(unix.EPOLL_CTL_ADD, fd, evt)
}

func (l *LinuxEventLoop) Modify(fd int, token domain.Token, events domain.EventType) error {
	evt := &unix.EpollEvent{
		Events: uint32(events) | unix.EPOLLET,
		Fd:     int32(token),
	}
	return l.ctl(unix.EPOLL_CTL_MOD, fd, evt)
}

func (l *LinuxEventLoop) Unregister(fd int) error {
	return l.ctl(unix.EPOLL_CTL_DEL, fd, nil)
}

func (l *LinuxEventLoop) ctl(op, fd int, evt *unix.EpollEvent) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return domain.ErrLoopClosed
	}
	return unix.EpollCtl(l.epollFD, op, fd, evt)
}

func (l *LinuxEventLoop) Wake() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return domain.ErrLoopClosed
	}
	var one [8]byte
	binary.NativeEndian.PutUint64(one[:], 1)
	_, err := unix.Write(l.wakeFD, one[:])
	if err == unix.EAGAIN {
		// counter saturated, a wakeup is already pending
		return nil
	}
	return err
}

func (l *LinuxEventLoop) drainWaker() {
	var buf [8]byte
	for {
		if _, err := unix.Read(l.wakeFD, buf[:]); err != nil {
			return
		}
	}
}

// Run dispatches events until Stop is called. Hang-ups and socket errors are
// reported as both readable and writable so the owner observes them on its
// next read or write. The loop stays open after Run returns; the owner calls
// Close once its sources are unregistered.
func (l *LinuxEventLoop) Run(handler domain.EventHandler) error {
	l.mu.RLock()
	closed := l.closed
	l.mu.RUnlock()
	if closed {
		return domain.ErrLoopClosed
	}

	events := make([]unix.EpollEvent, 128)
	timeout := int(l.tick / time.Millisecond)
	lastTick := time.Now()
	for !l.stopped.Load() {
		n, err := unix.EpollWait(l.epollFD, events, timeout)
		if err != nil {
			if err == unix.EINTR {
				continue
			}
			return err
		}

		for i := 0; i < n; i++ {
			token := domain.Token(uint32(events[i].Fd))
			evMask := events[i].Events

			var domainEv domain.EventType
			if evMask&(unix.EPOLLIN|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventRead
			}
			if evMask&(unix.EPOLLOUT|unix.EPOLLHUP|unix.EPOLLERR) != 0 {
				domainEv |= domain.EventWrite
			}

			if token == domain.TokenWaker {
				l.drainWaker()
				if l.stopped.Load() {
					return nil
				}
			}
			handler.HandleEvent(token, domainEv)
		}

		if now := time.Now(); now.Sub(lastTick) >= l.tick {
			handler.Tick(now)
			lastTick = now
		}
	}
	return nil
}

// Stop makes Run return; it is safe to call from any goroutine.
func (l *LinuxEventLoop) Stop() {
	l.stopped.Store(true)
	_ = l.Wake()
}

// Close releases the epoll and wake fds. Later calls to Wake, Register,
// Modify and Unregister return domain.ErrLoopClosed.
func (l *LinuxEventLoop) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return nil
	}
	l.closed = true
	unix.Close(l.wakeFD)
	return unix.Close(l.epollFD)
}
