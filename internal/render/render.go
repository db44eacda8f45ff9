package render

import (
	"bytes"
	"errors"
)

var ErrEmptyMarker = errors.New("render: empty marker")

// ReplaceOnce splices repl over the first byte-exact occurrence of marker in
// src. Later occurrences stay literal. When marker is absent the result is an
// unchanged copy of src. src is never modified and the result is allocated
// once, sized to the output.
//
// No escaping is applied: repl must already be safe for where the marker sits.
func ReplaceOnce(src, marker, repl []byte) ([]byte, error) {
	if len(marker) == 0 {
		return nil, ErrEmptyMarker
	}
	i := bytes.Index(src, marker)
	if i < 0 {
		out := make([]byte, len(src))
		copy(out, src)
		return out, nil
	}
	out := make([]byte, 0, len(src)-len(marker)+len(repl))
	out = append(out, src[:i]...)
	out = append(out, repl...)
	out = append(out, src[i+len(marker):]...)
	return out, nil
}

// Render applies two single-occurrence replacements in sequence, the second
// on the output of the first.
func Render(tmpl, marker1, repl1, marker2, repl2 []byte) ([]byte, error) {
	step, err := ReplaceOnce(tmpl, marker1, repl1)
	if err != nil {
		return nil, err
	}
	return ReplaceOnce(step, marker2, repl2)
}
