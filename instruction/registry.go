package instruction

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/hupe1980/tailormesh/core"
	"github.com/hupe1980/tailormesh/logging"
)

// Mode selects which instruction text a stream uses.
type Mode string

const (
	ModeDefault      Mode = "default"
	ModePractitioner Mode = "practitioner"
)

// Source values reported by Snapshot.
const (
	SourceBuiltin = "builtin"
	SourceCustom  = "custom"
	SourceFile    = "file"
)

var (
	//go:embed defaults/default.md
	builtinDefault string

	//go:embed defaults/practitioner.md
	builtinPractitioner string
)

// BuiltinText returns the embedded text for mode.
func BuiltinText(mode Mode) string {
	if mode == ModePractitioner {
		return builtinPractitioner
	}
	return builtinDefault
}

// Snapshot is an immutable view of the instruction text taken at one point
// in time.
type Snapshot struct {
	Mode    Mode   `json:"mode"`
	Text    string `json:"text"`
	Version int64  `json:"version"`
	Source  string `json:"source"`
}

type entry struct {
	text   string
	source string
	path   string
}

// Options configures a Registry.
type Options struct {
	Logger logging.Logger
	// DefaultText and PractitionerText replace the embedded texts when set.
	DefaultText      string
	PractitionerText string
}

// Registry is the concurrency safe store of instruction texts.
type Registry struct {
	mu       sync.RWMutex
	base     map[Mode]entry
	override *string
	version  int64
	logger   logging.Logger
}

// New creates a Registry seeded with the embedded or supplied texts.
func New(optFns ...func(o *Options)) *Registry {
	opts := Options{}
	for _, fn := range optFns {
		fn(&opts)
	}
	r := &Registry{
		base: map[Mode]entry{
			ModeDefault:      {text: builtinDefault, source: SourceBuiltin},
			ModePractitioner: {text: builtinPractitioner, source: SourceBuiltin},
		},
		version: 1,
		logger:  logging.OrNoOp(opts.Logger),
	}
	if opts.DefaultText != "" {
		r.base[ModeDefault] = entry{text: opts.DefaultText, source: SourceCustom}
	}
	if opts.PractitionerText != "" {
		r.base[ModePractitioner] = entry{text: opts.PractitionerText, source: SourceCustom}
	}
	return r
}

// ParseMode maps a practitioner flag to a Mode.
func ParseMode(practitioner bool) Mode {
	if practitioner {
		return ModePractitioner
	}
	return ModeDefault
}

// Snapshot returns the active text for mode. The custom override applies to
// ModeDefault only.
func (r *Registry) Snapshot(mode Mode) Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if mode != ModePractitioner {
		mode = ModeDefault
	}
	if mode == ModeDefault && r.override != nil {
		return Snapshot{Mode: mode, Text: *r.override, Version: r.version, Source: SourceCustom}
	}
	e := r.base[mode]
	return Snapshot{Mode: mode, Text: e.text, Version: r.version, Source: e.source}
}

// Sections parses the active default-mode text.
func (r *Registry) Sections() []Section {
	return ParseSections(r.Snapshot(ModeDefault).Text)
}

// Replace validates text and installs it as the default-mode override. On
// failure the active text is unchanged.
func (r *Registry) Replace(text string) error {
	if err := Validate(text); err != nil {
		return fmt.Errorf("replace instructions: %w", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.override = &text
	r.version++
	r.logger.Info("instructions replaced", "version", r.version, "chars", len(text))
	return nil
}

// ReplaceSections reassembles the sections and installs the result like
// Replace.
func (r *Registry) ReplaceSections(sections map[string]string) error {
	if len(sections) == 0 {
		return fmt.Errorf("replace sections: %w: no sections given", core.ErrInvalidRequest)
	}
	return r.Replace(Reassemble(SectionsFromMap(sections)))
}

// ResetToDefault drops the override so the file or builtin text applies again.
func (r *Registry) ResetToDefault() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.override == nil {
		return
	}
	r.override = nil
	r.version++
	r.logger.Info("instructions reset to default", "version", r.version)
}

// HasOverride reports whether a custom default-mode text is active.
func (r *Registry) HasOverride() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.override != nil
}

// LoadFile reads path and installs its content as the base text for mode.
// Empty files are rejected.
func (r *Registry) LoadFile(mode Mode, path string) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("load instructions %s: %w", path, err)
	}
	text := string(b)
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("load instructions %s: %w: file is empty", path, core.ErrInvalidInstructions)
	}
	if err := Validate(text); err != nil {
		r.logger.Warn("instruction file failed validation", "path", path, "mode", string(mode), "error", err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.base[mode] = entry{text: text, source: SourceFile, path: path}
	r.version++
	r.logger.Info("instructions loaded", "path", path, "mode", string(mode), "version", r.version)
	return nil
}

// Paths returns the file backing each mode, if any.
func (r *Registry) Paths() map[Mode]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := map[Mode]string{}
	for m, e := range r.base {
		if e.path != "" {
			out[m] = e.path
		}
	}
	return out
}
