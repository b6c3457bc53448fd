// Package transport owns the RS-485 serial port: it applies the
// baud-toggle reset quirk on open, drains bytes into a rolling buffer,
// resyncs and parses GM3 frames out of that buffer, and serializes
// writes behind the half-duplex turnaround delay.
//
// GM3 frames are marker-delimited (0x68 ... 0x16) rather than
// fixed-header length-prefixed, and a naive resync that scans for the
// next 0x68 alone is unsafe here: SERVICE frames carry CMD 0x68, the
// same byte as BEGIN, so every candidate frame boundary must be
// confirmed by its declared length and its end marker before being
// accepted.
package transport

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/tarm/serial"

	"github.com/librescoot/gm3-gateway/pkg/frame"
)

const (
	// turnaround is the mandatory quiet delay before any write, to
	// respect half-duplex RS-485 bus turnaround.
	turnaround = 20 * time.Millisecond

	// readBurst bounds a single OS read call to a short burst.
	readBurst = 200 * time.Millisecond

	// maxPlausibleFrame rejects any candidate whose declared length
	// would make it implausibly large, almost certainly noise that
	// happens to start with 0x68.
	maxPlausibleFrame = 2048

	resetBaud = 9600
)

// Transport is the sole owner of the serial port.
type Transport struct {
	port *serial.Port

	writeMu sync.Mutex

	bufMu      sync.Mutex
	buf        []byte
	lastByteAt time.Time

	frames chan frame.Frame
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// Open applies the baud-toggle reset (open at 9600, close, reopen at
// baud) and starts the background reader.
func Open(devicePath string, baud int) (*Transport, error) {
	if err := baudToggleReset(devicePath); err != nil {
		return nil, fmt.Errorf("transport: baud toggle reset: %w", err)
	}

	cfg := &serial.Config{
		Name:        devicePath,
		Baud:        baud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readBurst,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return nil, fmt.Errorf("transport: opening %s at %d baud: %w", devicePath, baud, err)
	}

	t := &Transport{
		port:       port,
		buf:        make([]byte, 0, 512),
		lastByteAt: time.Now(),
		frames:     make(chan frame.Frame, 32),
		stopCh:     make(chan struct{}),
	}

	t.wg.Add(1)
	go t.readLoop()

	return t, nil
}

// baudToggleReset opens the port at 9600 and immediately closes it.
// Observed quirk: this resets some USB-RS485 adapters into a clean
// state before the real open at the target baud rate.
func baudToggleReset(devicePath string) error {
	cfg := &serial.Config{
		Name:        devicePath,
		Baud:        resetBaud,
		Size:        8,
		Parity:      serial.ParityNone,
		StopBits:    serial.Stop1,
		ReadTimeout: readBurst,
	}
	port, err := serial.OpenPort(cfg)
	if err != nil {
		return fmt.Errorf("opening at reset baud %d: %w", resetBaud, err)
	}
	if err := port.Close(); err != nil {
		return fmt.Errorf("closing after reset baud: %w", err)
	}
	time.Sleep(100 * time.Millisecond)
	return nil
}

// Close stops the reader and releases the port.
func (t *Transport) Close() error {
	close(t.stopCh)
	t.wg.Wait()
	return t.port.Close()
}

// PollFrame returns the next complete, validated frame observed
// within timeout, or false if none arrived.
func (t *Transport) PollFrame(timeout time.Duration) (frame.Frame, bool) {
	select {
	case f := <-t.frames:
		return f, true
	case <-time.After(timeout):
		return frame.Frame{}, false
	case <-t.stopCh:
		return frame.Frame{}, false
	}
}

// DrainIdle blocks until silence has elapsed with no bytes observed
// on the wire.
func (t *Transport) DrainIdle(silence time.Duration) {
	for {
		t.bufMu.Lock()
		last := t.lastByteAt
		t.bufMu.Unlock()

		elapsed := time.Since(last)
		if elapsed >= silence {
			return
		}

		wait := silence - elapsed
		if wait > 50*time.Millisecond {
			wait = 50 * time.Millisecond
		}
		select {
		case <-time.After(wait):
		case <-t.stopCh:
			return
		}
	}
}

// WriteFrame encodes and transmits a frame, observing the 20ms
// half-duplex turnaround delay. Writes are serialized: only one
// writer (the owning goroutine, via the Bus Arbiter's RunWithToken
// contract) should call this at a time.
func (t *Transport) WriteFrame(dest, src uint16, cmd frame.Command, payload []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	time.Sleep(turnaround)

	raw := frame.Encode(dest, src, cmd, payload)
	if _, err := t.port.Write(raw); err != nil {
		return fmt.Errorf("transport: write failed: %w", err)
	}
	return nil
}

func (t *Transport) readLoop() {
	defer t.wg.Done()

	chunk := make([]byte, 256)
	for {
		select {
		case <-t.stopCh:
			return
		default:
		}

		n, err := t.port.Read(chunk)
		if err != nil {
			// A read timeout surfaces as an error from some serial
			// backends; treat any error here as "no bytes this burst"
			// and keep draining. Disconnected is detected by the
			// caller via repeated failures over the health window.
			continue
		}
		if n == 0 {
			continue
		}

		t.bufMu.Lock()
		t.buf = append(t.buf, chunk[:n]...)
		t.lastByteAt = time.Now()
		t.extractFrames()
		t.bufMu.Unlock()
	}
}

// extractFrames scans t.buf for complete, valid frames and emits them
// on t.frames. Must be called with bufMu held.
func (t *Transport) extractFrames() {
	for {
		idx := indexOfMarker(t.buf)
		if idx < 0 {
			t.buf = t.buf[:0]
			return
		}
		if idx > 0 {
			t.buf = t.buf[idx:]
		}

		if len(t.buf) < 3 {
			return // need more bytes to read the declared length
		}

		declared := int(t.buf[1]) | int(t.buf[2])<<8
		total := declared + 6
		if total < frame.MinFrameLen || total > maxPlausibleFrame {
			// This 0x68 cannot be a real BEGIN marker; drop just it
			// and keep scanning. Never trust 0x68 alone: it also
			// appears as the SERVICE command byte inside payloads.
			t.buf = t.buf[1:]
			continue
		}
		if len(t.buf) < total {
			return // full frame not yet buffered
		}
		if t.buf[total-1] != frame.End {
			t.buf = t.buf[1:]
			continue
		}

		f, err := frame.Decode(t.buf[:total])
		if err != nil {
			log.Printf("transport: discarding candidate frame: %v", err)
			t.buf = t.buf[1:]
			continue
		}

		t.buf = t.buf[total:]
		select {
		case t.frames <- f:
		default:
			log.Printf("transport: frame channel full, dropping frame cmd=%s", f.Cmd)
		}
	}
}

func indexOfMarker(b []byte) int {
	for i, v := range b {
		if v == frame.Begin {
			return i
		}
	}
	return -1
}
