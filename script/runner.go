package script

import (
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/teranos/kiln/errors"
	"github.com/teranos/kiln/proc"
)

// RunnerKind is the persisted name of a runner
type RunnerKind string

const (
	RunnerBash             RunnerKind = "bash"
	RunnerCustom           RunnerKind = "custom"
	RunnerNode             RunnerKind = "node"
	RunnerBun              RunnerKind = "bun"
	RunnerPython           RunnerKind = "python"
	RunnerNpx              RunnerKind = "npx"
	RunnerForge            RunnerKind = "forge"
	RunnerForgeTest        RunnerKind = "forge-test"
	RunnerForgeBuild       RunnerKind = "forge-build"
	RunnerHardhat          RunnerKind = "hardhat"
	RunnerHardhatTest      RunnerKind = "hardhat-test"
	RunnerHardhatCompile   RunnerKind = "hardhat-compile"
	RunnerAnchor           RunnerKind = "anchor"
	RunnerAnchorTest       RunnerKind = "anchor-test"
	RunnerAnchorBuild      RunnerKind = "anchor-build"
	RunnerAptosMoveCompile RunnerKind = "aptos-move-compile"
	RunnerAptosMoveTest    RunnerKind = "aptos-move-test"
	RunnerAptosMovePublish RunnerKind = "aptos-move-publish"
)

// invocation is what a runner needs from a script to build its command
type invocation struct {
	file    string   // "" when the script names no file
	command string   // raw command field
	flags   []string // rendered flag tokens
	goos    string
}

// Runner is one variant per runner kind. Each carries only the data its
// command template needs.
type Runner interface {
	Kind() RunnerKind
	// RequiresFile reports whether the script's file must exist on disk
	RequiresFile() bool
	build(inv invocation) (proc.Spec, error)
}

// shellRunner runs a command string through the platform shell.
// Only the custom runner's command fragment is passed through unquoted,
// since it is shell text by definition; file and flag values are quoted.
type shellRunner struct {
	kind       RunnerKind
	rawCommand bool
}

func (r shellRunner) Kind() RunnerKind   { return r.kind }
func (r shellRunner) RequiresFile() bool { return r.kind == RunnerBash }

func (r shellRunner) build(inv invocation) (proc.Spec, error) {
	var tokens []string
	if inv.file != "" {
		tokens = append(tokens, inv.file)
	}
	tokens = append(tokens, inv.flags...)

	var parts []string
	if r.rawCommand {
		if strings.TrimSpace(inv.command) == "" {
			return proc.Spec{}, errors.NewValidationError("custom runner requires a command")
		}
		parts = append(parts, strings.TrimSpace(inv.command))
	} else if inv.file == "" {
		return proc.Spec{}, errors.NewValidationError("%s runner requires a file path", r.kind)
	}
	if len(tokens) > 0 {
		parts = append(parts, quoteFor(inv.goos, tokens))
	}
	line := strings.Join(parts, " ")

	if inv.goos == "windows" {
		return proc.Spec{Program: "cmd.exe", Args: []string{"/C", line}}, nil
	}
	return proc.Spec{Program: "sh", Args: []string{"-c", line}}, nil
}

// interpreterRunner runs a file with a language interpreter: program prefix... file flags...
type interpreterRunner struct {
	kind    RunnerKind
	program string
	prefix  []string
}

func (r interpreterRunner) Kind() RunnerKind   { return r.kind }
func (r interpreterRunner) RequiresFile() bool { return true }

func (r interpreterRunner) build(inv invocation) (proc.Spec, error) {
	if inv.file == "" {
		return proc.Spec{}, errors.NewValidationError("%s runner requires a file path", r.kind)
	}
	args := append([]string{}, r.prefix...)
	args = append(args, inv.file)
	args = append(args, inv.flags...)
	return proc.Spec{Program: r.program, Args: args}, nil
}

// fileMode says where a tool subcommand puts the script's file
type fileMode int

const (
	fileNone     fileMode = iota // file is not used
	fileRequired                 // positional, must be present
	fileOptional                 // positional when present
	fileFilter                   // passed behind filterFlag when present
)

// toolRunner runs an ecosystem tool subcommand: program sub... [file] extra... flags...
type toolRunner struct {
	kind       RunnerKind
	program    string
	sub        []string
	file       fileMode
	filterFlag string
}

func (r toolRunner) Kind() RunnerKind { return r.kind }

func (r toolRunner) RequiresFile() bool {
	switch r.kind {
	case RunnerForge, RunnerHardhat, RunnerAnchor:
		return true
	}
	return false
}

func (r toolRunner) build(inv invocation) (proc.Spec, error) {
	extra, err := splitCommand(inv.command)
	if err != nil {
		return proc.Spec{}, err
	}

	args := append([]string{}, r.sub...)
	switch r.file {
	case fileRequired:
		if inv.file == "" {
			return proc.Spec{}, errors.NewValidationError("%s runner requires a file path", r.kind)
		}
		args = append(args, inv.file)
	case fileOptional:
		if inv.file != "" {
			args = append(args, inv.file)
		}
	case fileFilter:
		if inv.file != "" {
			args = append(args, r.filterFlag, inv.file)
		}
	}
	args = append(args, extra...)
	args = append(args, inv.flags...)
	return proc.Spec{Program: r.program, Args: args}, nil
}

var runners = map[RunnerKind]Runner{
	RunnerBash:             shellRunner{kind: RunnerBash},
	RunnerCustom:           shellRunner{kind: RunnerCustom, rawCommand: true},
	RunnerNode:             interpreterRunner{kind: RunnerNode, program: "node"},
	RunnerBun:              interpreterRunner{kind: RunnerBun, program: "bun", prefix: []string{"run"}},
	RunnerPython:           interpreterRunner{kind: RunnerPython, program: "python3"},
	RunnerNpx:              interpreterRunner{kind: RunnerNpx, program: "npx"},
	RunnerForge:            toolRunner{kind: RunnerForge, program: "forge", sub: []string{"script"}, file: fileRequired},
	RunnerForgeTest:        toolRunner{kind: RunnerForgeTest, program: "forge", sub: []string{"test"}, file: fileFilter, filterFlag: "--match-path"},
	RunnerForgeBuild:       toolRunner{kind: RunnerForgeBuild, program: "forge", sub: []string{"build"}},
	RunnerHardhat:          toolRunner{kind: RunnerHardhat, program: "npx", sub: []string{"hardhat", "run"}, file: fileRequired},
	RunnerHardhatTest:      toolRunner{kind: RunnerHardhatTest, program: "npx", sub: []string{"hardhat", "test"}, file: fileOptional},
	RunnerHardhatCompile:   toolRunner{kind: RunnerHardhatCompile, program: "npx", sub: []string{"hardhat", "compile"}},
	RunnerAnchor:           toolRunner{kind: RunnerAnchor, program: "anchor", sub: []string{"run"}, file: fileOptional},
	RunnerAnchorTest:       toolRunner{kind: RunnerAnchorTest, program: "anchor", sub: []string{"test"}, file: fileOptional},
	RunnerAnchorBuild:      toolRunner{kind: RunnerAnchorBuild, program: "anchor", sub: []string{"build"}},
	RunnerAptosMoveCompile: toolRunner{kind: RunnerAptosMoveCompile, program: "aptos", sub: []string{"move", "compile"}},
	RunnerAptosMoveTest:    toolRunner{kind: RunnerAptosMoveTest, program: "aptos", sub: []string{"move", "test"}, file: fileFilter, filterFlag: "--filter"},
	RunnerAptosMovePublish: toolRunner{kind: RunnerAptosMovePublish, program: "aptos", sub: []string{"move", "publish"}},
}

// RunnerFor returns the runner variant for a persisted kind
func RunnerFor(kind RunnerKind) (Runner, error) {
	r, ok := runners[RunnerKind(strings.ToLower(string(kind)))]
	if !ok {
		return nil, errors.NewValidationError("unknown runner: %q", kind)
	}
	return r, nil
}

// RunnerKinds lists every supported runner kind
func RunnerKinds() []RunnerKind {
	return []RunnerKind{
		RunnerBash, RunnerCustom, RunnerNode, RunnerBun, RunnerPython, RunnerNpx,
		RunnerForge, RunnerForgeTest, RunnerForgeBuild,
		RunnerHardhat, RunnerHardhatTest, RunnerHardhatCompile,
		RunnerAnchor, RunnerAnchorTest, RunnerAnchorBuild,
		RunnerAptosMoveCompile, RunnerAptosMoveTest, RunnerAptosMovePublish,
	}
}

// splitCommand tokenizes the free-text command field with shell quoting rules
func splitCommand(command string) ([]string, error) {
	if strings.TrimSpace(command) == "" {
		return nil, nil
	}
	words, err := shellquote.Split(command)
	if err != nil {
		return nil, errors.Mark(errors.Wrapf(err, "malformed command %q", command), errors.ErrValidation)
	}
	return words, nil
}

// quoteFor joins tokens so the platform shell sees each one as a single word
func quoteFor(goos string, tokens []string) string {
	if goos != "windows" {
		return shellquote.Join(tokens...)
	}
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		if t == "" || strings.ContainsAny(t, " \t\"&|<>^") {
			quoted[i] = `"` + strings.ReplaceAll(t, `"`, `""`) + `"`
		} else {
			quoted[i] = t
		}
	}
	return strings.Join(quoted, " ")
}
