package transport

import (
	"testing"

	"github.com/librescoot/gm3-gateway/pkg/frame"
)

func newBareTransport() *Transport {
	return &Transport{
		buf:    make([]byte, 0, 64),
		frames: make(chan frame.Frame, 8),
	}
}

func TestExtractFramesSingleFrame(t *testing.T) {
	tr := newBareTransport()
	raw := frame.Encode(0x0001, 0x0083, frame.CmdGetParams, []byte{0x64, 0x00, 0x01, 0x00})

	tr.buf = append(tr.buf, raw...)
	tr.extractFrames()

	select {
	case f := <-tr.frames:
		if f.Dest != 1 || f.Src != 0x83 || f.Cmd != frame.CmdGetParams {
			t.Fatalf("unexpected frame: %+v", f)
		}
	default:
		t.Fatalf("expected one frame to be extracted")
	}
	if len(tr.buf) != 0 {
		t.Fatalf("expected buffer fully consumed, got %d bytes left", len(tr.buf))
	}
}

func TestExtractFramesDiscardsNoiseBeforeMarker(t *testing.T) {
	tr := newBareTransport()
	raw := frame.Encode(1, 2, frame.CmdIdentify, nil)

	tr.buf = append(tr.buf, 0xFF, 0xFE, 0x00)
	tr.buf = append(tr.buf, raw...)
	tr.extractFrames()

	select {
	case f := <-tr.frames:
		if f.Cmd != frame.CmdIdentify {
			t.Fatalf("unexpected frame: %+v", f)
		}
	default:
		t.Fatalf("expected the valid frame to survive leading noise")
	}
}

// A SERVICE frame carries CMD=0x68, the same byte as BEGIN. A resync
// strategy that scans for the next 0x68 alone would mis-frame here;
// extractFrames must instead validate length and END before accepting
// a candidate boundary.
func TestExtractFramesHandlesServiceBeginCollision(t *testing.T) {
	tr := newBareTransport()
	svc := frame.Encode(131, 100, frame.CmdService, []byte{0x01, 0x08, 0x00, 0x00})
	next := frame.Encode(1, 2, frame.CmdGetParams, []byte{0x00, 0x00, 0x05, 0x00})

	tr.buf = append(tr.buf, svc...)
	tr.buf = append(tr.buf, next...)
	tr.extractFrames()

	var got []frame.Command
	for {
		select {
		case f := <-tr.frames:
			got = append(got, f.Cmd)
			continue
		default:
		}
		break
	}
	if len(got) != 2 || got[0] != frame.CmdService || got[1] != frame.CmdGetParams {
		t.Fatalf("expected [SERVICE, GET_PARAMS], got %v", got)
	}
}

func TestExtractFramesWaitsForMoreBytes(t *testing.T) {
	tr := newBareTransport()
	raw := frame.Encode(1, 2, frame.CmdIdentify, nil)

	tr.buf = append(tr.buf, raw[:len(raw)-2]...)
	tr.extractFrames()

	select {
	case f := <-tr.frames:
		t.Fatalf("expected no frame from a truncated buffer, got %+v", f)
	default:
	}
	if len(tr.buf) == 0 {
		t.Fatalf("expected partial frame to remain buffered")
	}
}

func TestIndexOfMarker(t *testing.T) {
	if got := indexOfMarker([]byte{1, 2, frame.Begin, 3}); got != 2 {
		t.Fatalf("indexOfMarker = %d, want 2", got)
	}
	if got := indexOfMarker([]byte{1, 2, 3}); got != -1 {
		t.Fatalf("indexOfMarker = %d, want -1", got)
	}
}
