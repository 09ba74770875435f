// Package input dispatches synthetic mouse and keyboard events over
// Input.dispatchMouseEvent/Input.dispatchKeyEvent, the trusted-input
// pattern zhimaAi-ChatClaw's clickByRef/typeByRef use instead of calling
// el.click()/el.value= directly so dispatched events are indistinguishable
// from a real user's (C9 of SPEC_FULL.md).
package input

import (
	"context"
	"math"
	"runtime"
	"strings"

	"github.com/chromedp/cdproto/target"

	"github.com/cdpstep/cdpstep/cdperr"
	"github.com/cdpstep/cdpstep/input/kb"
)

// Button names the mouse button dispatched, mapped to the bitmask §4.9
// defines for Input.dispatchMouseEvent's "buttons" field.
type Button string

const (
	ButtonLeft    Button = "left"
	ButtonRight   Button = "right"
	ButtonMiddle  Button = "middle"
	ButtonBack    Button = "back"
	ButtonForward Button = "forward"
)

var buttonMask = map[Button]int{
	ButtonLeft:    1,
	ButtonRight:   2,
	ButtonMiddle:  4,
	ButtonBack:    8,
	ButtonForward: 16,
}

// Modifier names a keyboard modifier, mapped to its dispatch bitmask.
type Modifier string

const (
	ModAlt   Modifier = "alt"
	ModCtrl  Modifier = "ctrl"
	ModMeta  Modifier = "meta"
	ModShift Modifier = "shift"
)

var modifierMask = map[Modifier]int{
	ModAlt:   1,
	ModCtrl:  2,
	ModMeta:  4,
	ModShift: 8,
}

// Executor is the narrow capability input needs from a session.
type Executor interface {
	Execute(ctx context.Context, sessionID target.SessionID, method string, params, res any) error
}

// Emulator dispatches mouse/keyboard events over one session.
type Emulator struct {
	exec Executor
}

func New(exec Executor) *Emulator { return &Emulator{exec: exec} }

type mouseEventParams struct {
	Type       string  `json:"type"`
	X          float64 `json:"x"`
	Y          float64 `json:"y"`
	Button     string  `json:"button,omitempty"`
	Buttons    int     `json:"buttons,omitempty"`
	ClickCount int     `json:"clickCount,omitempty"`
	Modifiers  int     `json:"modifiers,omitempty"`
	DeltaX     float64 `json:"deltaX,omitempty"`
	DeltaY     float64 `json:"deltaY,omitempty"`
}

type keyEventParams struct {
	Type                  string `json:"type"`
	Key                   string `json:"key,omitempty"`
	Code                  string `json:"code,omitempty"`
	Text                  string `json:"text,omitempty"`
	UnmodifiedText        string `json:"unmodifiedText,omitempty"`
	NativeVirtualKeyCode  int64  `json:"nativeVirtualKeyCode,omitempty"`
	WindowsVirtualKeyCode int64  `json:"windowsVirtualKeyCode,omitempty"`
	Modifiers             int    `json:"modifiers,omitempty"`
}

func validateCoords(x, y float64) error {
	if math.IsNaN(x) || math.IsInf(x, 0) || math.IsNaN(y) || math.IsInf(y, 0) {
		return cdperr.New(cdperr.KindValidation, "coordinates must be finite")
	}
	if x < 0 || y < 0 {
		return cdperr.New(cdperr.KindValidation, "coordinates must be non-negative, got (%g, %g)", x, y)
	}
	return nil
}

// Click dispatches mouseMoved -> mousePressed{clickCount} -> mouseReleased
// at (x, y) with the given button (§4.9).
func (e *Emulator) Click(ctx context.Context, sessionID target.SessionID, x, y float64, button Button, clickCount int) error {
	if err := validateCoords(x, y); err != nil {
		return err
	}
	if clickCount <= 0 {
		return cdperr.New(cdperr.KindValidation, "clickCount must be a positive integer, got %d", clickCount)
	}
	mask, ok := buttonMask[button]
	if !ok {
		return cdperr.New(cdperr.KindValidation, "invalid button %q", button)
	}

	if err := e.dispatchMouse(ctx, sessionID, "mouseMoved", x, y, "none", 0, 0); err != nil {
		return err
	}
	if err := e.dispatchMouse(ctx, sessionID, "mousePressed", x, y, string(button), mask, clickCount); err != nil {
		return err
	}
	return e.dispatchMouse(ctx, sessionID, "mouseReleased", x, y, string(button), 0, clickCount)
}

// Hover dispatches a single mouseMoved to (x, y).
func (e *Emulator) Hover(ctx context.Context, sessionID target.SessionID, x, y float64) error {
	if err := validateCoords(x, y); err != nil {
		return err
	}
	return e.dispatchMouse(ctx, sessionID, "mouseMoved", x, y, "none", 0, 0)
}

// Wheel dispatches a mouseWheel event scrolling by (dx, dy).
func (e *Emulator) Wheel(ctx context.Context, sessionID target.SessionID, x, y, dx, dy float64) error {
	if err := validateCoords(x, y); err != nil {
		return err
	}
	return e.exec.Execute(ctx, sessionID, "Input.dispatchMouseEvent", mouseEventParams{
		Type: "mouseWheel", X: x, Y: y, DeltaX: dx, DeltaY: dy,
	}, nil)
}

// Drag dispatches mousePressed at (x1,y1), a sequence of mouseMoved steps to
// (x2,y2), then mouseReleased.
func (e *Emulator) Drag(ctx context.Context, sessionID target.SessionID, x1, y1, x2, y2 float64, steps int) error {
	if err := validateCoords(x1, y1); err != nil {
		return err
	}
	if err := validateCoords(x2, y2); err != nil {
		return err
	}
	if steps <= 0 {
		steps = 10
	}

	if err := e.dispatchMouse(ctx, sessionID, "mouseMoved", x1, y1, "none", 0, 0); err != nil {
		return err
	}
	if err := e.dispatchMouse(ctx, sessionID, "mousePressed", x1, y1, string(ButtonLeft), buttonMask[ButtonLeft], 1); err != nil {
		return err
	}
	for i := 1; i <= steps; i++ {
		t := float64(i) / float64(steps)
		x := x1 + (x2-x1)*t
		y := y1 + (y2-y1)*t
		if err := e.dispatchMouse(ctx, sessionID, "mouseMoved", x, y, string(ButtonLeft), buttonMask[ButtonLeft], 0); err != nil {
			return err
		}
	}
	return e.dispatchMouse(ctx, sessionID, "mouseReleased", x2, y2, string(ButtonLeft), 0, 1)
}

func (e *Emulator) dispatchMouse(ctx context.Context, sessionID target.SessionID, typ string, x, y float64, button string, buttons, clickCount int) error {
	return e.exec.Execute(ctx, sessionID, "Input.dispatchMouseEvent", mouseEventParams{
		Type: typ, X: x, Y: y, Button: button, Buttons: buttons, ClickCount: clickCount,
	}, nil)
}

// Type dispatches one "char" event per Unicode code point of text, so
// multi-rune sequences (e.g. emoji) dispatch as their constituent points
// per §4.9.
func (e *Emulator) Type(ctx context.Context, sessionID target.SessionID, text string) error {
	for _, r := range text {
		s := string(r)
		if err := e.exec.Execute(ctx, sessionID, "Input.dispatchKeyEvent", keyEventParams{
			Type: "char", Text: s, UnmodifiedText: s,
		}, nil); err != nil {
			return cdperr.Wrap(cdperr.KindExecution, err, "type %q", s)
		}
	}
	return nil
}

// Press dispatches rawKeyDown -> optional char -> keyUp for a single named
// key, with modifiers applied to all three events (§4.9).
func (e *Emulator) Press(ctx context.Context, sessionID target.SessionID, key string, mods []Modifier) error {
	k, ok := kb.Lookup(key)
	if !ok {
		return cdperr.New(cdperr.KindValidation, "unknown key %q", key)
	}
	mask := modifierMaskOf(mods)

	base := keyEventParams{
		Key: k.Key, Code: k.Code,
		NativeVirtualKeyCode:  k.Native,
		WindowsVirtualKeyCode: k.Windows,
		Modifiers:             mask,
	}

	down := base
	down.Type = "rawKeyDown"
	if err := e.exec.Execute(ctx, sessionID, "Input.dispatchKeyEvent", down, nil); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "press %s: keydown", key)
	}

	if k.Print && k.Text != "" {
		char := base
		char.Type = "char"
		char.Text = k.Text
		char.UnmodifiedText = k.Unmodified
		if err := e.exec.Execute(ctx, sessionID, "Input.dispatchKeyEvent", char, nil); err != nil {
			return cdperr.Wrap(cdperr.KindExecution, err, "press %s: char", key)
		}
	}

	up := base
	up.Type = "keyUp"
	if err := e.exec.Execute(ctx, sessionID, "Input.dispatchKeyEvent", up, nil); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "press %s: keyup", key)
	}
	return nil
}

// PressCombo parses "Control+Shift+Enter"-style combos, treating Cmd and
// Command as aliases of Meta and Ctrl as an alias of Control, and
// dispatches the main key with the parsed modifier set (§4.9).
func (e *Emulator) PressCombo(ctx context.Context, sessionID target.SessionID, combo string) error {
	parts := strings.Split(combo, "+")
	if len(parts) == 0 {
		return cdperr.New(cdperr.KindValidation, "empty key combo")
	}

	var mods []Modifier
	mainKey := parts[len(parts)-1]
	for _, p := range parts[:len(parts)-1] {
		switch strings.ToLower(p) {
		case "cmd", "command", "meta":
			mods = append(mods, ModMeta)
		case "ctrl", "control":
			mods = append(mods, ModCtrl)
		case "alt", "option":
			mods = append(mods, ModAlt)
		case "shift":
			mods = append(mods, ModShift)
		default:
			return cdperr.New(cdperr.KindValidation, "unknown modifier %q in combo %q", p, combo)
		}
	}

	return e.Press(ctx, sessionID, mainKey, mods)
}

// Fill clicks at (x, y), selects all existing content OS-appropriately,
// then types value (§4.9).
func (e *Emulator) Fill(ctx context.Context, sessionID target.SessionID, x, y float64, value string) error {
	if err := e.Click(ctx, sessionID, x, y, ButtonLeft, 1); err != nil {
		return err
	}

	selectAllMod := ModCtrl
	if runtime.GOOS == "darwin" {
		selectAllMod = ModMeta
	}
	if err := e.Press(ctx, sessionID, "a", []Modifier{selectAllMod}); err != nil {
		return cdperr.Wrap(cdperr.KindExecution, err, "fill: select all")
	}

	return e.Type(ctx, sessionID, value)
}

func modifierMaskOf(mods []Modifier) int {
	mask := 0
	for _, m := range mods {
		mask |= modifierMask[m]
	}
	return mask
}
