package script

import (
	"runtime"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/proc"
)

// RenderFlags turns supplied flag values into argv tokens, in declaration order.
// Boolean flags render as a bare switch only for the literal "true"; every
// other type renders as name and value. Declared flags missing from values,
// and values for undeclared flags, produce nothing. Defaults are not injected.
func RenderFlags(declared []Flag, values map[string]string) []string {
	var tokens []string
	for _, f := range declared {
		v, ok := values[f.Name]
		if !ok {
			continue
		}
		if f.Type == FlagBoolean {
			if v == "true" {
				tokens = append(tokens, f.Name)
			}
			continue
		}
		tokens = append(tokens, f.Name, v)
	}
	return tokens
}

// ValidateFlags fails on the first required flag missing from values
func ValidateFlags(def Script, values map[string]string) error {
	for _, f := range def.Flags {
		if !f.Required {
			continue
		}
		if _, ok := values[f.Name]; !ok {
			return errors.NewValidationError("required flag missing: %s", f.Name)
		}
	}
	return nil
}

// BuildCommand translates a script and flag values into a ready-to-spawn command
// for the given GOOS. The working directory is left to the caller.
func BuildCommand(def Script, values map[string]string, goos string) (proc.Spec, error) {
	runner, err := RunnerFor(def.Runner)
	if err != nil {
		return proc.Spec{}, err
	}

	inv := invocation{
		command: def.Command,
		flags:   RenderFlags(def.Flags, values),
		goos:    goos,
	}
	if def.hasFile() {
		inv.file = def.FilePath
	}

	return runner.build(inv)
}

// BuildLocalCommand is BuildCommand for the running platform
func BuildLocalCommand(def Script, values map[string]string) (proc.Spec, error) {
	return BuildCommand(def, values, runtime.GOOS)
}
