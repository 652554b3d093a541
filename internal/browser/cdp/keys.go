// internal/browser/cdp/keys.go
package cdp

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/chromedp/cdproto/input"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
)

var modifierNames = map[string]input.Modifier{
	"alt":     input.ModifierAlt,
	"option":  input.ModifierAlt,
	"control": input.ModifierCtrl,
	"ctrl":    input.ModifierCtrl,
	"meta":    input.ModifierMeta,
	"command": input.ModifierMeta,
	"cmd":     input.ModifierMeta,
	"shift":   input.ModifierShift,
}

var namedKeys = map[string]string{
	"enter":      kb.Enter,
	"return":     kb.Enter,
	"tab":        kb.Tab,
	"escape":     kb.Escape,
	"esc":        kb.Escape,
	"backspace":  kb.Backspace,
	"delete":     kb.Delete,
	"space":      " ",
	"arrowup":    kb.ArrowUp,
	"arrowdown":  kb.ArrowDown,
	"arrowleft":  kb.ArrowLeft,
	"arrowright": kb.ArrowRight,
	"up":         kb.ArrowUp,
	"down":       kb.ArrowDown,
	"left":       kb.ArrowLeft,
	"right":      kb.ArrowRight,
	"home":       kb.Home,
	"end":        kb.End,
	"pageup":     kb.PageUp,
	"pagedown":   kb.PageDown,
}

// chord builds the key events of one chord: every non-modifier key is
// pressed and released with the modifiers held.
func chord(keys []string) (chromedp.Tasks, error) {
	var mods input.Modifier
	var pressed []*kb.Key
	for _, name := range keys {
		if m, ok := modifierNames[strings.ToLower(name)]; ok {
			mods |= m
			continue
		}
		k, err := lookupKey(name)
		if err != nil {
			return nil, err
		}
		pressed = append(pressed, k)
	}
	if len(pressed) == 0 {
		return nil, fmt.Errorf("key chord %q has no key besides modifiers", strings.Join(keys, "+"))
	}

	tasks := make(chromedp.Tasks, 0, 2*len(pressed))
	for _, k := range pressed {
		down := input.DispatchKeyEvent(input.KeyDown).
			WithModifiers(mods).
			WithKey(k.Key).
			WithCode(k.Code).
			WithWindowsVirtualKeyCode(k.Windows).
			WithNativeVirtualKeyCode(k.Native)
		// Text is only produced when no command modifier is held.
		if k.Text != "" && mods&^input.ModifierShift == 0 {
			text := k.Text
			if mods&input.ModifierShift != 0 {
				text = strings.ToUpper(text)
			}
			down = down.WithText(text).WithUnmodifiedText(k.Unmodified)
		}
		up := input.DispatchKeyEvent(input.KeyUp).
			WithModifiers(mods).
			WithKey(k.Key).
			WithCode(k.Code).
			WithWindowsVirtualKeyCode(k.Windows).
			WithNativeVirtualKeyCode(k.Native)
		tasks = append(tasks, down, up)
	}
	return tasks, nil
}

func lookupKey(name string) (*kb.Key, error) {
	s := name
	if named, ok := namedKeys[strings.ToLower(name)]; ok {
		s = named
	}
	if utf8.RuneCountInString(s) != 1 {
		return nil, fmt.Errorf("unknown key %q", name)
	}
	r, _ := utf8.DecodeRuneInString(s)
	if k, ok := kb.Keys[r]; ok {
		return k, nil
	}
	// Characters outside the US layout are typed as text only.
	return &kb.Key{Key: s, Text: s, Unmodified: s, Print: true}, nil
}
