package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/srg/bleserial/peripheral"
	"github.com/srg/bleserial/serial"
)

// terminalCmd represents the terminal command
var terminalCmd = &cobra.Command{
	Use:   "terminal <device-address>",
	Short: "Open an interactive serial terminal to a module",
	Long: `Connects to a BLE serial module and attaches your terminal to its byte
stream. Everything you type is sent to the module; everything the module
sends is printed.

Press Ctrl+] to exit.

Example:
  bleserial terminal aa:bb:cc:dd:ee:ff
  bleserial terminal --encoding latin1 aa:bb:cc:dd:ee:ff`,
	Args: cobra.ExactArgs(1),
	RunE: runTerminal,
}

var (
	terminalEncoding string
	terminalVerbose  bool
)

func init() {
	terminalCmd.Flags().StringVarP(&terminalEncoding, "encoding", "e", "utf8", "Text encoding (utf8, ascii, latin1)")
	terminalCmd.Flags().BoolVar(&terminalVerbose, "verbose", false, "Enable debug logging")
}

// ctrlRightBracket is the telnet-style escape byte.
const ctrlRightBracket = 0x1d

func encodingByName(name string) (serial.Encoding, error) {
	switch name {
	case "utf8", "utf-8":
		return serial.UTF8, nil
	case "ascii":
		return serial.ASCII, nil
	case "latin1", "iso8859-1":
		return serial.Latin1, nil
	default:
		return nil, fmt.Errorf("unknown encoding '%s': must be one of [utf8 ascii latin1]", name)
	}
}

// terminalObserver prints the module's byte stream. Callbacks fire on the
// run loop, so writes to out must be quick.
type terminalObserver struct {
	out  io.Writer
	enc  serial.Encoding
	recv *color.Color

	closeOnce sync.Once
	done      chan struct{}
	cause     error
}

func newTerminalObserver(out io.Writer, enc serial.Encoding) *terminalObserver {
	return &terminalObserver{
		out:  out,
		enc:  enc,
		recv: color.New(color.FgCyan),
		done: make(chan struct{}),
	}
}

func (o *terminalObserver) Connected(s *peripheral.Session) {}

func (o *terminalObserver) Disconnected(s *peripheral.Session, cause error) {
	o.closeOnce.Do(func() {
		o.cause = cause
		close(o.done)
	})
}

func (o *terminalObserver) FailedToConnect(s *peripheral.Session, cause error) {
	o.closeOnce.Do(func() {
		o.cause = cause
		close(o.done)
	})
}

func (o *terminalObserver) BytesReceived(s *peripheral.Session, n int) {
	// Leave undecodable bytes in the buffer; a partial multi-byte sequence
	// completes on the next notification.
	if text, ok := s.ReadText(o.enc, 0); ok {
		fmt.Fprint(o.out, o.recv.Sprint(text))
	}
}

func (o *terminalObserver) NameUpdated(s *peripheral.Session, name string) {}

func runTerminal(cmd *cobra.Command, args []string) error {
	enc, err := encodingByName(terminalEncoding)
	if err != nil {
		return err
	}

	logger, err := configureLogger(cmd, "verbose")
	if err != nil {
		return err
	}
	cmd.SilenceUsage = true

	address := args[0]

	a, err := newApp(cmd, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	fmt.Fprintf(cmd.OutOrStdout(), "Connecting to %s...\n", address)
	sess, err := a.connect(address)
	if err != nil {
		return fmt.Errorf("failed to connect: %w", err)
	}
	defer sess.Disconnect()

	obs := newTerminalObserver(cmd.OutOrStdout(), enc)
	sess.SetObserver(obs)

	fmt.Fprintf(cmd.OutOrStdout(), "Connected to %s. Press Ctrl+] to exit.\n", sess.Name())

	stdinFd := int(os.Stdin.Fd())
	if term.IsTerminal(stdinFd) {
		oldState, rawErr := term.MakeRaw(stdinFd)
		if rawErr != nil {
			return fmt.Errorf("failed to enter raw mode: %w", rawErr)
		}
		defer term.Restore(stdinFd, oldState)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	quit := make(chan struct{})
	go func() {
		buf := make([]byte, 256)
		for {
			n, readErr := os.Stdin.Read(buf)
			for i := 0; i < n; i++ {
				if buf[i] == ctrlRightBracket {
					close(quit)
					return
				}
			}
			if n > 0 {
				chunk := make([]byte, n)
				copy(chunk, buf[:n])
				a.loop.Post(func() {
					if werr := sess.session.Write(chunk); werr != nil {
						logger.WithField("error", werr).Debug("write failed")
					}
				})
			}
			if readErr != nil {
				return
			}
		}
	}()

	select {
	case <-quit:
	case <-sigChan:
	case <-obs.done:
		if obs.cause != nil {
			return obs.cause
		}
	}
	return nil
}
