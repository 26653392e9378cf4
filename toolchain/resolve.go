// Package toolchain maps a project directory to the command line for a
// build, test or deploy action by probing for framework marker files.
package toolchain

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/proc"
)

// Framework identifies a smart-contract toolchain
type Framework string

const (
	Foundry   Framework = "foundry"
	Anchor    Framework = "anchor"
	AptosMove Framework = "aptos-move"
	Hardhat   Framework = "hardhat"
)

// Action is a logical run kind
type Action string

const (
	Build  Action = "build"
	Test   Action = "test"
	Deploy Action = "deploy"
)

// Actions lists every action in display order
var Actions = []Action{Build, Test, Deploy}

// ParseAction validates a user-supplied action name
func ParseAction(s string) (Action, error) {
	switch a := Action(strings.ToLower(strings.TrimSpace(s))); a {
	case Build, Test, Deploy:
		return a, nil
	default:
		return "", errors.NewValidationError("unknown run type: %q (want build, test or deploy)", s)
	}
}

type marker struct {
	framework Framework
	files     []string
}

// markers in priority order; the first present wins
var markers = []marker{
	{Foundry, []string{"foundry.toml"}},
	{Anchor, []string{"Anchor.toml"}},
	{AptosMove, []string{"Move.toml"}},
	{Hardhat, []string{"hardhat.config.js", "hardhat.config.ts"}},
}

// MarkerFiles returns every recognized marker file name in priority order
func MarkerFiles() []string {
	var names []string
	for _, m := range markers {
		names = append(names, m.files...)
	}
	return names
}

// Detect returns the framework of the project rooted at dir
func Detect(dir string) (Framework, error) {
	fw, _, err := detect(dir)
	return fw, err
}

func detect(dir string) (Framework, string, error) {
	for _, m := range markers {
		for _, name := range m.files {
			path := filepath.Join(dir, name)
			if info, err := os.Stat(path); err == nil && !info.IsDir() {
				return m.framework, path, nil
			}
		}
	}
	return "", "", errors.WithHintf(
		errors.NewValidationError("unknown project framework in %s", dir),
		"expected one of: %s", strings.Join(MarkerFiles(), ", "))
}

// Command returns the fixed argv template for fw and action.
// Deploy needs a script path for Foundry and Hardhat.
func Command(fw Framework, action Action, script string) (proc.Spec, error) {
	needScript := func(tool string) error {
		if strings.TrimSpace(script) == "" {
			return errors.NewValidationError("%s deploy requires a script path", tool)
		}
		return nil
	}

	switch fw {
	case Foundry:
		switch action {
		case Build:
			return proc.Spec{Program: "forge", Args: []string{"build"}}, nil
		case Test:
			return proc.Spec{Program: "forge", Args: []string{"test", "-vvv"}}, nil
		case Deploy:
			if err := needScript("foundry"); err != nil {
				return proc.Spec{}, err
			}
			return proc.Spec{Program: "forge", Args: []string{"script", script, "--broadcast"}}, nil
		}
	case Anchor:
		switch action {
		case Build:
			return proc.Spec{Program: "anchor", Args: []string{"build"}}, nil
		case Test:
			return proc.Spec{Program: "anchor", Args: []string{"test"}}, nil
		case Deploy:
			return proc.Spec{Program: "anchor", Args: []string{"deploy"}}, nil
		}
	case AptosMove:
		switch action {
		case Build:
			return proc.Spec{Program: "aptos", Args: []string{"move", "compile"}}, nil
		case Test:
			return proc.Spec{Program: "aptos", Args: []string{"move", "test"}}, nil
		case Deploy:
			return proc.Spec{Program: "aptos", Args: []string{"move", "publish"}}, nil
		}
	case Hardhat:
		switch action {
		case Build:
			return proc.Spec{Program: "npx", Args: []string{"hardhat", "compile"}}, nil
		case Test:
			return proc.Spec{Program: "npx", Args: []string{"hardhat", "test"}}, nil
		case Deploy:
			if err := needScript("hardhat"); err != nil {
				return proc.Spec{}, err
			}
			return proc.Spec{Program: "npx", Args: []string{"hardhat", "run", script}}, nil
		}
	default:
		return proc.Spec{}, errors.NewValidationError("unknown project framework: %q", fw)
	}
	return proc.Spec{}, errors.NewValidationError("unknown run type: %q", action)
}

// Resolve detects the framework in dir and returns the command for action,
// set to run inside dir.
func Resolve(dir string, action Action, script string) (proc.Spec, error) {
	fw, err := Detect(dir)
	if err != nil {
		return proc.Spec{}, err
	}
	spec, err := Command(fw, action, script)
	if err != nil {
		return proc.Spec{}, err
	}
	return spec.WithDir(dir), nil
}
