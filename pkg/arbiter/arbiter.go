// Package arbiter implements the GM3 Bus Arbiter: the token-arbitrated,
// multi-master state machine that claims a bus address, answers
// IDENTIFY probes, waits for the panel's token grant, and provides a
// mutex-like "run under token" contract to the rest of the gateway.
//
// A single enum-dispatched state machine owns all arbitration: a
// frame arrives and advances exactly one authority, never a set of
// independent handlers, so edge cases like an IDENTIFY answered while
// TOKEN_HELD or a token grant arriving in the same read chunk as the
// preceding IDENTIFY_ANS stay correct by construction.
package arbiter

import (
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/librescoot/gm3-gateway/pkg/address"
	"github.com/librescoot/gm3-gateway/pkg/addressbook"
	"github.com/librescoot/gm3-gateway/pkg/frame"
)

// Bus is the slice of *transport.Transport the arbiter needs. Taking
// an interface here (rather than the concrete type) lets tests drive
// the state machine with a fake bus instead of a real serial port.
type Bus interface {
	PollFrame(timeout time.Duration) (frame.Frame, bool)
	WriteFrame(dest, src uint16, cmd frame.Command, payload []byte) error
	DrainIdle(silence time.Duration)
}

// State is one of the five states of the Bus Arbiter's lifecycle:
// UNREGISTERED, CLAIMING, IDLE, TOKEN_HELD, RETURNING.
type State int

const (
	StateUnregistered State = iota
	StateClaiming
	StateIdle
	StateTokenHeld
	StateReturning
)

func (s State) String() string {
	switch s {
	case StateUnregistered:
		return "UNREGISTERED"
	case StateClaiming:
		return "CLAIMING"
	case StateIdle:
		return "IDLE"
	case StateTokenHeld:
		return "TOKEN_HELD"
	case StateReturning:
		return "RETURNING"
	default:
		return "UNKNOWN"
	}
}

var (
	ErrTokenTimeout = errors.New("arbiter: token timeout")
	ErrClaimFailed  = errors.New("arbiter: claim failed")
)

// claimWindow is how long, after tentatively answering an IDENTIFY
// probe, the arbiter waits for the confirming token grant before
// giving up on that address and resuming passive observation.
const claimWindow = 10 * time.Second

// idleFallbackSilence is the bus-idle fallback threshold: this much
// observed silence is treated as a license to transmit when no token
// mechanism is available.
const idleFallbackSilence = 1500 * time.Millisecond

// Arbiter owns bus-address claim/arbitration. One Arbiter instance is
// driven by exactly one goroutine (the gateway's serial task).
type Arbiter struct {
	t    Bus
	book *addressbook.Book

	tokenRequired     bool
	controllerAddress uint16

	mu             sync.Mutex
	state          State
	ourAddr        uint16
	haveAddr       bool
	claimStartedAt time.Time
	busy           bool
}

// New constructs an Arbiter. If book already holds a claimed address,
// the arbiter starts in IDLE; otherwise it starts in UNREGISTERED and
// will auto-claim the first time PumpOnce or RunWithToken observes a
// suitable IDENTIFY probe.
func New(t Bus, book *addressbook.Book, tokenRequired bool, controllerAddress uint16) *Arbiter {
	a := &Arbiter{
		t:                 t,
		book:              book,
		tokenRequired:     tokenRequired,
		controllerAddress: controllerAddress,
	}
	if addr, ok := book.Claimed(); ok {
		a.ourAddr = addr
		a.haveAddr = true
		a.state = StateIdle
	} else {
		a.state = StateUnregistered
	}
	return a
}

func (a *Arbiter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Arbiter) OurAddress() (uint16, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ourAddr, a.haveAddr
}

// TokenRequired reports the arbiter's configured arbitration mode, so
// callers that need different retry counts for the token-held vs.
// bus-idle-fallback path don't have to guess it from observed timing.
func (a *Arbiter) TokenRequired() bool {
	return a.tokenRequired
}

// ObserveFrame feeds one bus frame through the arbitration state
// machine. It must be called from the single goroutine that also
// calls RunWithToken's callback, so that in-line IDENTIFY handling
// during TOKEN_HELD never races a caller's critical section.
func (a *Arbiter) ObserveFrame(f frame.Frame) {
	switch f.Cmd {
	case frame.CmdIdentify:
		a.handleIdentify(f)
	case frame.CmdService:
		a.handleService(f)
	}
}

func (a *Arbiter) handleIdentify(f frame.Frame) {
	a.mu.Lock()
	state := a.state
	ourAddr := a.ourAddr
	haveAddr := a.haveAddr
	a.mu.Unlock()

	switch state {
	case StateUnregistered, StateClaiming:
		if address.IsReserved(f.Dest) {
			return
		}
		// Tentatively assume this identity and answer it; adoption is
		// only confirmed by a subsequent token grant within claimWindow.
		if err := a.t.WriteFrame(f.Src, f.Dest, frame.CmdIdentifyAns, frame.IdentifyAnsPayload()); err != nil {
			log.Printf("arbiter: IDENTIFY_ANS write failed for candidate %d: %v", f.Dest, err)
			return
		}
		a.mu.Lock()
		a.state = StateClaiming
		a.ourAddr = f.Dest
		a.haveAddr = false // not persisted/adopted until the grant arrives
		a.claimStartedAt = time.Now()
		a.mu.Unlock()
		log.Printf("arbiter: tentatively claiming address %d, awaiting token grant", f.Dest)

	case StateIdle, StateTokenHeld, StateReturning:
		if !haveAddr || f.Dest != ourAddr {
			return
		}
		if err := a.t.WriteFrame(f.Src, ourAddr, frame.CmdIdentifyAns, frame.IdentifyAnsPayload()); err != nil {
			log.Printf("arbiter: IDENTIFY_ANS write failed: %v", err)
		}
	}
}

func (a *Arbiter) handleService(f frame.Frame) {
	sf, ok := frame.ServiceFunctionOf(f.Payload)
	if !ok {
		return
	}

	a.mu.Lock()
	state := a.state
	ourAddr := a.ourAddr
	a.mu.Unlock()

	if sf != frame.SvcTokenGrant {
		return // clock sync / device table / pairing beacon: parsed for diagnostics, acted on by nobody
	}
	if f.Dest != ourAddr {
		return
	}

	switch state {
	case StateClaiming:
		if err := a.book.Persist(ourAddr); err != nil {
			log.Printf("arbiter: failed to persist claimed address %d: %v", ourAddr, err)
			return
		}
		a.mu.Lock()
		a.haveAddr = true
		a.state = StateTokenHeld
		a.mu.Unlock()
		log.Printf("arbiter: claimed and adopted address %d", ourAddr)

	case StateIdle:
		a.mu.Lock()
		a.state = StateTokenHeld
		a.mu.Unlock()
	}
}

// CheckClaimTimeout reverts a tentative claim to UNREGISTERED if the
// confirming token grant hasn't arrived within claimWindow of the
// IDENTIFY_ANS we sent. The gateway's serial task calls this after
// every frame-poll timeout so a missed grant doesn't wedge the
// arbiter on a dead candidate address forever.
func (a *Arbiter) CheckClaimTimeout() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.state == StateClaiming && !a.haveAddr && time.Since(a.claimStartedAt) > claimWindow {
		log.Printf("arbiter: no token grant within %s for candidate address %d, resuming passive scan", claimWindow, a.ourAddr)
		a.state = StateUnregistered
	}
}

// PumpOnce polls the transport for a single frame (bounded by timeout)
// and, if one arrived, feeds it through ObserveFrame. It also checks
// the claim-confirmation timeout. Call this in a loop from the single
// serial-owning goroutine whenever it is not inside RunWithToken, so
// the arbiter keeps answering IDENTIFY probes and parsing SERVICE
// frames even while idle.
func (a *Arbiter) PumpOnce(timeout time.Duration) bool {
	f, ok := a.t.PollFrame(timeout)
	a.CheckClaimTimeout()
	if !ok {
		return false
	}
	a.ObserveFrame(f)
	return true
}

// RunWithToken blocks until a token is granted (or, if tokenRequired is
// false, until bus-idle fallback licenses an opportunistic send), then
// invokes fn with exclusive bus access, then returns the token.
//
// Because the whole gateway is a single cooperative loop, RunWithToken
// IS that loop while it waits: it polls frames itself and feeds them
// through ObserveFrame, so an IDENTIFY addressed to us during the wait
// is answered in-line rather than queued behind the caller's eventual
// turn.
func (a *Arbiter) RunWithToken(timeout time.Duration, fn func() error) error {
	a.mu.Lock()
	if a.busy {
		a.mu.Unlock()
		return fmt.Errorf("arbiter: token already held by another caller")
	}
	a.busy = true
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		a.busy = false
		a.mu.Unlock()
	}()

	if !a.tokenRequired {
		// Opportunistic fallback: treat idleFallbackSilence of observed
		// silence as a license to transmit. This never persists token
		// state; every opportunistic transaction acquires idle
		// independently.
		a.t.DrainIdle(idleFallbackSilence)
		return fn()
	}

	deadline := time.Now().Add(timeout)
	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return ErrTokenTimeout
		}
		pollTimeout := remaining
		if pollTimeout > 200*time.Millisecond {
			pollTimeout = 200 * time.Millisecond
		}

		f, ok := a.t.PollFrame(pollTimeout)
		if ok {
			a.ObserveFrame(f)
		}

		if a.State() == StateTokenHeld {
			break
		}
	}

	err := fn()

	a.returnToken()
	return err
}

// returnToken emits TOKEN_RETURN to the panel and transitions back to
// IDLE. Write failures are logged but never block further
// arbitration; the token is considered released locally regardless.
func (a *Arbiter) returnToken() {
	a.mu.Lock()
	a.state = StateReturning
	a.mu.Unlock()

	if err := a.t.WriteFrame(address.Panel, a.selfAddr(), frame.CmdService, frame.TokenReturnPayload()); err != nil {
		log.Printf("arbiter: TOKEN_RETURN write failed (continuing, token released locally): %v", err)
	}

	a.mu.Lock()
	a.state = StateIdle
	a.mu.Unlock()
}

func (a *Arbiter) selfAddr() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.ourAddr
}
