// Package kb provides the keyboard layout table the input emulator uses to
// translate a logical key name into the Code/Key/Text/Native/Windows/Shift
// fields a Input.dispatchKeyEvent call needs. The Key struct shape and the
// common-key table are grounded on the teacher's generated kb/kb.go (itself
// produced by kb/gen.go from Chromium's key-conversion tables), trimmed to
// the subset cdpstep's press/fill/pressCombo steps exercise rather than
// the teacher's full generated set.
package kb

// Key mirrors the teacher's generated Key struct: the wire fields a
// Input.dispatchKeyEvent command needs to make a synthetic keystroke
// indistinguishable from a real one.
type Key struct {
	Code       string
	Key        string
	Text       string
	Unmodified string
	Native     int64
	Windows    int64
	Shift      bool
	Print      bool
}

// Keys maps a logical key name (as used in a "press" step, e.g. "Enter",
// "a", "ArrowDown") to its Key record. Letters and digits are resolved
// dynamically by Lookup rather than listed here.
var Keys = map[string]Key{
	"Backspace": {Code: "Backspace", Key: "Backspace", Native: 0x08, Windows: 0x08},
	"Tab":       {Code: "Tab", Key: "Tab", Text: "\t", Unmodified: "\t", Native: 0x09, Windows: 0x09, Print: true},
	"Enter":     {Code: "Enter", Key: "Enter", Text: "\r", Unmodified: "\r", Native: 0x0d, Windows: 0x0d, Print: true},
	"Escape":    {Code: "Escape", Key: "Escape", Native: 0x1b, Windows: 0x1b},
	"Space":     {Code: "Space", Key: " ", Text: " ", Unmodified: " ", Native: 0x20, Windows: 0x20, Print: true},
	" ":         {Code: "Space", Key: " ", Text: " ", Unmodified: " ", Native: 0x20, Windows: 0x20, Print: true},

	"ArrowLeft":  {Code: "ArrowLeft", Key: "ArrowLeft", Native: 0x25, Windows: 0x25},
	"ArrowUp":    {Code: "ArrowUp", Key: "ArrowUp", Native: 0x26, Windows: 0x26},
	"ArrowRight": {Code: "ArrowRight", Key: "ArrowRight", Native: 0x27, Windows: 0x27},
	"ArrowDown":  {Code: "ArrowDown", Key: "ArrowDown", Native: 0x28, Windows: 0x28},

	"Home":     {Code: "Home", Key: "Home", Native: 0x24, Windows: 0x24},
	"End":      {Code: "End", Key: "End", Native: 0x23, Windows: 0x23},
	"PageUp":   {Code: "PageUp", Key: "PageUp", Native: 0x21, Windows: 0x21},
	"PageDown": {Code: "PageDown", Key: "PageDown", Native: 0x22, Windows: 0x22},
	"Delete":   {Code: "Delete", Key: "Delete", Native: 0x2e, Windows: 0x2e},
	"Insert":   {Code: "Insert", Key: "Insert", Native: 0x2d, Windows: 0x2d},

	"Shift":   {Code: "ShiftLeft", Key: "Shift", Native: 0x10, Windows: 0x10},
	"Control": {Code: "ControlLeft", Key: "Control", Native: 0x11, Windows: 0x11},
	"Alt":     {Code: "AltLeft", Key: "Alt", Native: 0x12, Windows: 0x12},
	"Meta":    {Code: "MetaLeft", Key: "Meta", Native: 0x5b, Windows: 0x5b},

	"F1": {Code: "F1", Key: "F1", Native: 0x70, Windows: 0x70},
	"F2": {Code: "F2", Key: "F2", Native: 0x71, Windows: 0x71},
	"F3": {Code: "F3", Key: "F3", Native: 0x72, Windows: 0x72},
	"F4": {Code: "F4", Key: "F4", Native: 0x73, Windows: 0x73},
	"F5": {Code: "F5", Key: "F5", Native: 0x74, Windows: 0x74},
}

// Lookup resolves name to a Key, synthesizing records for single printable
// runes (letters, digits, punctuation) the static table doesn't enumerate,
// the same fallback the teacher's generated map leaves to its rune-keyed
// half of the table.
func Lookup(name string) (Key, bool) {
	if k, ok := Keys[name]; ok {
		return k, true
	}

	runes := []rune(name)
	if len(runes) != 1 {
		return Key{}, false
	}
	r := runes[0]

	switch {
	case r >= 'a' && r <= 'z':
		code := "Key" + string(r-32)
		return Key{Code: code, Key: string(r), Text: string(r), Unmodified: string(r), Native: int64(r - 32), Windows: int64(r - 32), Print: true}, true
	case r >= 'A' && r <= 'Z':
		code := "Key" + string(r)
		return Key{Code: code, Key: string(r), Text: string(r), Unmodified: string(r - 32), Native: int64(r), Windows: int64(r), Shift: true, Print: true}, true
	case r >= '0' && r <= '9':
		code := "Digit" + string(r)
		return Key{Code: code, Key: string(r), Text: string(r), Unmodified: string(r), Native: int64(r), Windows: int64(r), Print: true}, true
	default:
		// Punctuation and anything else printable: no reliable Code/Native
		// mapping without the full Chromium key-conversion table, so send
		// it as an "Unidentified" code carrying only Text/Key, which
		// Chrome accepts for char-only dispatch.
		return Key{Code: "Unidentified", Key: string(r), Text: string(r), Unmodified: string(r), Native: int64(r), Windows: int64(r), Print: true}, true
	}
}
