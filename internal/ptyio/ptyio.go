// Package ptyio provides an async pseudo-terminal endpoint for the bridge:
// bytes written here appear on the tty slave, bytes typed into the slave are
// delivered through a callback. Writes are queued through a ring buffer so a
// slow tty reader never stalls the caller; overflow drops bytes and counts
// them.
package ptyio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/sirupsen/logrus"
	"github.com/smallnest/ringbuffer"
	"golang.org/x/sys/unix"
	"golang.org/x/term"

	"github.com/srg/bleserial/internal/groutine"
)

// ReadCallback is invoked from a background goroutine when data arrives from
// the tty slave. Implementations must copy the slice if they retain it.
type ReadCallback func(data []byte)

// Options configures a PTY endpoint. Zero values use defaults.
type Options struct {
	WriteCap    int            // ring capacity for bytes heading to the tty (default 64 KiB)
	PollTimeout time.Duration  // read wakeup interval (default 50ms)
	Logger      *logrus.Logger // nil means discard
	OnData      ReadCallback   // may be nil
}

// Stats are runtime counters useful for monitoring.
type Stats struct {
	ReadBytesTotal    uint64
	WriteBytesTotal   uint64
	DroppedWriteBytes uint64
}

const (
	defaultWriteCap    = 64 * 1024
	defaultPollTimeout = 50 * time.Millisecond
)

// PTY is an open pseudo-terminal pair with background pump goroutines.
type PTY struct {
	master *os.File
	slave  *os.File

	writeBuf *ringbuffer.RingBuffer
	writeMu  sync.Mutex
	wake     chan struct{}

	onData ReadCallback
	log    *logrus.Logger

	poll   time.Duration
	cancel context.CancelFunc
	wg     sync.WaitGroup

	readTotal    atomic.Uint64
	writeTotal   atomic.Uint64
	droppedWrite atomic.Uint64
}

// New opens a pty pair and starts the pump goroutines.
func New(opts Options) (*PTY, error) {
	if opts.WriteCap <= 0 {
		opts.WriteCap = defaultWriteCap
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = defaultPollTimeout
	}
	if opts.Logger == nil {
		opts.Logger = logrus.New()
		opts.Logger.SetOutput(io.Discard)
	}

	master, slave, err := pty.Open()
	if err != nil {
		return nil, fmt.Errorf("failed to open pty pair: %w", err)
	}
	// Raw slave: no echo, no line buffering. Without this the line
	// discipline would echo module output back as input.
	if _, err := term.MakeRaw(int(slave.Fd())); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, fmt.Errorf("failed to set %s to raw mode: %w", slave.Name(), err)
	}
	// Non-blocking master keeps the fd on the runtime poller so read
	// deadlines work and Close does not hang a blocked reader.
	if err := unix.SetNonblock(int(master.Fd()), true); err != nil {
		_ = master.Close()
		_ = slave.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	p := &PTY{
		master:   master,
		slave:    slave,
		writeBuf: ringbuffer.New(opts.WriteCap),
		wake:     make(chan struct{}, 1),
		onData:   opts.OnData,
		log:      opts.Logger,
		poll:     opts.PollTimeout,
		cancel:   cancel,
	}

	p.wg.Add(2)
	groutine.Go(ctx, "ptyio-read", p.readLoop)
	groutine.Go(ctx, "ptyio-write", p.writeLoop)
	return p, nil
}

// TTYName returns the slave device path, e.g. /dev/pts/3.
func (p *PTY) TTYName() string {
	return p.slave.Name()
}

// Write queues data toward the tty. Never blocks: on overflow the tail of
// data is dropped and counted in Stats.
func (p *PTY) Write(data []byte) (int, error) {
	p.writeMu.Lock()
	n, err := p.writeBuf.Write(data)
	p.writeMu.Unlock()

	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) {
		return n, err
	}
	if n < len(data) {
		p.droppedWrite.Add(uint64(len(data) - n))
		p.log.WithField("dropped", len(data)-n).Warn("pty write buffer overflow, bytes dropped")
	}

	select {
	case p.wake <- struct{}{}:
	default:
	}
	return n, nil
}

// Stats returns a snapshot of the counters.
func (p *PTY) Stats() Stats {
	return Stats{
		ReadBytesTotal:    p.readTotal.Load(),
		WriteBytesTotal:   p.writeTotal.Load(),
		DroppedWriteBytes: p.droppedWrite.Load(),
	}
}

// Close stops the pumps and closes both ends of the pair.
func (p *PTY) Close() error {
	p.cancel()
	p.wg.Wait()

	err1 := p.master.Close()
	err2 := p.slave.Close()
	if err1 != nil {
		return err1
	}
	return err2
}

func (p *PTY) readLoop(ctx context.Context) {
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		if ctx.Err() != nil {
			return
		}
		_ = p.master.SetReadDeadline(time.Now().Add(p.poll))
		n, err := p.master.Read(buf)
		if n > 0 {
			p.readTotal.Add(uint64(n))
			if cb := p.onData; cb != nil {
				cb(buf[:n])
			}
		}
		if err != nil {
			if os.IsTimeout(err) || errors.Is(err, unix.EAGAIN) {
				continue
			}
			if ctx.Err() == nil {
				p.log.WithField("error", err).Debug("pty read loop terminated")
			}
			return
		}
	}
}

func (p *PTY) writeLoop(ctx context.Context) {
	defer p.wg.Done()

	buf := make([]byte, 4096)
	for {
		select {
		case <-ctx.Done():
			return
		case <-p.wake:
		case <-time.After(p.poll):
		}

		for {
			p.writeMu.Lock()
			n, err := p.writeBuf.Read(buf)
			p.writeMu.Unlock()

			if n == 0 || errors.Is(err, ringbuffer.ErrIsEmpty) {
				break
			}
			if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
				p.log.WithField("error", err).Debug("pty write queue read failed")
				break
			}
			if _, werr := p.master.Write(buf[:n]); werr != nil {
				if ctx.Err() == nil {
					p.log.WithField("error", werr).Debug("pty write loop terminated")
				}
				return
			}
			p.writeTotal.Add(uint64(n))
		}
	}
}
