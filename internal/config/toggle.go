package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Toggle is a tri-state enable flag. Unset lets a child scope inherit its
// parent's explicit choice.
type Toggle int8

const (
	Unset Toggle = iota
	On
	Off
)

func (t Toggle) String() string {
	switch t {
	case On:
		return "on"
	case Off:
		return "off"
	default:
		return "unset"
	}
}

// Merge returns child unless it is Unset.
func Merge(parent, child Toggle) Toggle {
	if child == Unset {
		return parent
	}
	return child
}

// Resolve collapses the toggle to a bool; Unset is off.
func (t Toggle) Resolve() bool { return t == On }

func (t *Toggle) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: enable must be a scalar", value.Line)
	}
	switch strings.ToLower(strings.TrimSpace(value.Value)) {
	case "true", "on", "yes":
		*t = On
	case "false", "off", "no":
		*t = Off
	case "", "~", "null":
		*t = Unset
	default:
		return fmt.Errorf("line %d: invalid enable value %q (want on/off)", value.Line, value.Value)
	}
	return nil
}

// Variant selects which gating rules a scope follows.
type Variant string

const (
	// VariantMode gates by a global inclusion/exclusion mode combined with the
	// route toggle, and may read the credential from a header.
	VariantMode Variant = "mode"
	// VariantOptIn gates only routes whose toggle is on.
	VariantOptIn Variant = "opt_in"
)

type Mode string

const (
	ModeInclusion Mode = "inclusion"
	ModeExclusion Mode = "exclusion"
)
