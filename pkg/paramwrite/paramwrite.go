// Package paramwrite validates and issues parameter writes: resolve,
// validate, transmit MODIFY_PARAM, correlate the ACK, and optimistically
// update the catalog on success.
package paramwrite

import (
	"errors"
	"fmt"
	"time"

	"github.com/librescoot/gm3-gateway/pkg/address"
	"github.com/librescoot/gm3-gateway/pkg/arbiter"
	"github.com/librescoot/gm3-gateway/pkg/catalog"
	"github.com/librescoot/gm3-gateway/pkg/frame"
)

var (
	ErrParameterNotFound = errors.New("paramwrite: parameter not found")
	ErrAmbiguousSelector = errors.New("paramwrite: name resolves to more than one parameter, select by catalog index")
	ErrNotWritable       = errors.New("paramwrite: parameter is not writable")
	ErrBadValueType      = errors.New("paramwrite: value type does not match parameter type")
	ErrOutOfRange        = errors.New("paramwrite: value outside [min, max]")
	ErrWriteTimeout      = errors.New("paramwrite: no MODIFY_PARAM_ANS within timeout")
)

// WriteRejectedError wraps the non-zero result code a controller
// returned in a MODIFY_PARAM_ANS payload.
type WriteRejectedError struct {
	Code byte
}

func (e *WriteRejectedError) Error() string {
	return fmt.Sprintf("paramwrite: controller rejected write, code 0x%02x", e.Code)
}

// Outcome is the result of a successful write.
type Outcome struct {
	CatalogIndex uint32
	Old          frame.Value
	New          frame.Value
	Timestamp    time.Time
}

// Selector identifies a parameter either by stable catalog index or by
// name plus the space to disambiguate same-named PANEL/REGULATOR
// entries.
type Selector struct {
	CatalogIndex *uint32
	Name         string
	Space        *address.Space
}

// Engine issues validated writes under the Bus Arbiter's token.
type Engine struct {
	t                 arbiter.Bus
	a                 *arbiter.Arbiter
	cat               *catalog.Catalog
	controllerAddress uint16
	requestTimeout    time.Duration
	runTimeout        time.Duration
}

func New(t arbiter.Bus, a *arbiter.Arbiter, cat *catalog.Catalog, controllerAddress uint16, requestTimeout, runTimeout time.Duration) *Engine {
	return &Engine{t: t, a: a, cat: cat, controllerAddress: controllerAddress, requestTimeout: requestTimeout, runTimeout: runTimeout}
}

// Write validates proposed against the resolved parameter's metadata
// and, if valid, performs the bus transaction. No frame is ever
// transmitted for a selector/value pair that fails validation.
func (e *Engine) Write(sel Selector, proposed frame.Value) (Outcome, error) {
	p, err := e.resolve(sel)
	if err != nil {
		return Outcome{}, err
	}

	if !p.Writable {
		return Outcome{}, fmt.Errorf("%w: %s", ErrNotWritable, p.Name)
	}

	coerced, err := coerce(proposed, p.Type)
	if err != nil {
		return Outcome{}, fmt.Errorf("%w: %v", ErrBadValueType, err)
	}

	if p.Type.IsNumeric() && p.Min != nil && p.Max != nil {
		if !withinRange(coerced, *p.Min, *p.Max) {
			return Outcome{}, fmt.Errorf("%w: %s", ErrOutOfRange, p.Name)
		}
	}

	var old frame.Value
	if p.Value != nil {
		old = *p.Value
	}

	encoded, err := frame.EncodeValue(coerced)
	if err != nil {
		return Outcome{}, fmt.Errorf("paramwrite: encoding value: %w", err)
	}

	var result byte
	var gotResponse bool
	err = e.a.RunWithToken(e.runTimeout, func() error {
		dest := address.Destination(p.Space, e.controllerAddress)
		payload := append([]byte{byte(p.WireIndex), byte(p.WireIndex >> 8)}, encoded...)

		selfAddr, _ := e.a.OurAddress()
		if err := e.t.WriteFrame(dest, selfAddr, frame.CmdModifyParam, payload); err != nil {
			return fmt.Errorf("writing MODIFY_PARAM: %w", err)
		}

		f, ok := e.t.PollFrame(e.requestTimeout)
		if !ok {
			return ErrWriteTimeout
		}
		if f.Cmd != frame.CmdModifyParamAns || len(f.Payload) < 1 {
			return fmt.Errorf("paramwrite: unexpected response cmd=%s", f.Cmd)
		}
		result = f.Payload[0]
		gotResponse = true
		return nil
	})
	if err != nil {
		return Outcome{}, err
	}
	if !gotResponse {
		return Outcome{}, ErrWriteTimeout
	}
	if result != 0x00 {
		return Outcome{}, &WriteRejectedError{Code: result}
	}

	now := time.Now()
	e.cat.Update(p.CatalogIndex, coerced, now)

	return Outcome{CatalogIndex: p.CatalogIndex, Old: old, New: coerced, Timestamp: now}, nil
}

func (e *Engine) resolve(sel Selector) (catalog.Parameter, error) {
	if sel.CatalogIndex != nil {
		p, ok := e.cat.Get(*sel.CatalogIndex)
		if !ok {
			return catalog.Parameter{}, fmt.Errorf("%w: catalog index %d", ErrParameterNotFound, *sel.CatalogIndex)
		}
		return p, nil
	}

	candidates := e.cat.ByName(sel.Name)
	if len(candidates) == 0 {
		return catalog.Parameter{}, fmt.Errorf("%w: name %q", ErrParameterNotFound, sel.Name)
	}

	var matches []catalog.Parameter
	for _, idx := range candidates {
		p, ok := e.cat.Get(idx)
		if !ok {
			continue
		}
		if sel.Space != nil && p.Space != *sel.Space {
			continue
		}
		matches = append(matches, p)
	}
	switch len(matches) {
	case 0:
		return catalog.Parameter{}, fmt.Errorf("%w: name %q", ErrParameterNotFound, sel.Name)
	case 1:
		return matches[0], nil
	default:
		return catalog.Parameter{}, fmt.Errorf("%w: name %q", ErrAmbiguousSelector, sel.Name)
	}
}

// coerce converts proposed into the target TypeCode, rejecting any
// conversion that would lose information (e.g. float into an integer
// type).
func coerce(v frame.Value, target frame.TypeCode) (frame.Value, error) {
	if v.Kind == target {
		return v, nil
	}

	switch target {
	case frame.TypeBool:
		if v.Kind == frame.TypeBool {
			return v, nil
		}
		return frame.Value{}, fmt.Errorf("expected BOOL, got %v", v.Kind)
	case frame.TypeString:
		if v.Kind == frame.TypeString {
			return v, nil
		}
		return frame.Value{}, fmt.Errorf("expected STRING, got %v", v.Kind)
	case frame.TypeFloat, frame.TypeDouble:
		switch v.Kind {
		case frame.TypeFloat, frame.TypeDouble:
			return frame.Value{Kind: target, F64: v.F64}, nil
		case frame.TypeInt8, frame.TypeInt16, frame.TypeInt32, frame.TypeInt64:
			return frame.Value{Kind: target, F64: float64(v.I64)}, nil
		case frame.TypeUint8, frame.TypeUint16, frame.TypeUint32, frame.TypeUint64:
			return frame.Value{Kind: target, F64: float64(v.U64)}, nil
		}
		return frame.Value{}, fmt.Errorf("cannot coerce %v to %v", v.Kind, target)
	default:
		// Integer target: reject float sources outright (lossy), and
		// otherwise carry the integer payload across signedness as a
		// plain reinterpretation of the proposed magnitude.
		switch v.Kind {
		case frame.TypeFloat, frame.TypeDouble:
			return frame.Value{}, fmt.Errorf("cannot coerce floating value to integer type %v", target)
		case frame.TypeInt8, frame.TypeInt16, frame.TypeInt32, frame.TypeInt64:
			return frame.Value{Kind: target, I64: v.I64, U64: uint64(v.I64)}, nil
		case frame.TypeUint8, frame.TypeUint16, frame.TypeUint32, frame.TypeUint64:
			return frame.Value{Kind: target, I64: int64(v.U64), U64: v.U64}, nil
		}
		return frame.Value{}, fmt.Errorf("cannot coerce %v to %v", v.Kind, target)
	}
}

func withinRange(v, min, max frame.Value) bool {
	switch v.Kind {
	case frame.TypeFloat, frame.TypeDouble:
		return v.F64 >= min.F64 && v.F64 <= max.F64
	case frame.TypeInt8, frame.TypeInt16, frame.TypeInt32, frame.TypeInt64:
		return v.I64 >= min.I64 && v.I64 <= max.I64
	default:
		return v.U64 >= min.U64 && v.U64 <= max.U64
	}
}
