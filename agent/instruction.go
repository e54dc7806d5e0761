package agent

import "github.com/hupe1980/tailormesh/internal/util"

// Provider supplies instruction text at resolve time, for example from a
// file that may be edited while the server runs.
type Provider interface {
	Instruction() (string, error)
}

// Func is a functional adapter to allow ordinary functions to be used as Providers.
type Func func() (string, error)

// Instruction implements Provider.
func (f Func) Instruction() (string, error) { return f() }

// Instruction is either a static template or a dynamic provider. The
// resolved text is rendered as a Go template against Data.
type Instruction struct {
	text     string
	provider Provider
	data     any
}

// NewInstructionFromText creates an Instruction from a static template.
func NewInstructionFromText(text string) Instruction { return Instruction{text: text} }

// NewInstructionFromProvider creates an Instruction from a dynamic provider.
func NewInstructionFromProvider(p Provider) Instruction { return Instruction{provider: p} }

// NewInstructionFromFunc creates an Instruction from a function.
func NewInstructionFromFunc(f func() (string, error)) Instruction {
	return Instruction{provider: Func(f)}
}

// WithData returns a copy that renders against data.
func (i Instruction) WithData(data any) Instruction {
	i.data = data
	return i
}

// IsStatic returns true if the instruction is backed by a static string.
func (i Instruction) IsStatic() bool { return i.provider == nil }

// Resolve returns the rendered instruction text.
func (i Instruction) Resolve() (string, error) {
	text := i.text
	if i.provider != nil {
		var err error
		if text, err = i.provider.Instruction(); err != nil {
			return "", err
		}
	}
	return util.RenderTemplate(text, i.data)
}
