package sym

import (
	"testing"
	"unicode/utf8"
)

func TestSymbolToCommandAndCommandToSymbolAreBidirectional(t *testing.T) {
	for symbol, cmd := range SymbolToCommand {
		got, ok := CommandToSymbol[cmd]
		if !ok {
			t.Errorf("SymbolToCommand has %q → %q, but CommandToSymbol has no entry for %q", symbol, cmd, cmd)
			continue
		}
		if got != symbol {
			t.Errorf("bidirectional mismatch: SymbolToCommand[%q] = %q, but CommandToSymbol[%q] = %q", symbol, cmd, cmd, got)
		}
	}
	if len(SymbolToCommand) != len(CommandToSymbol) {
		t.Errorf("map size mismatch: %d vs %d", len(SymbolToCommand), len(CommandToSymbol))
	}
}

func TestEveryCommandHasDescription(t *testing.T) {
	for cmd := range CommandToSymbol {
		if Description(cmd) == "" {
			t.Errorf("command %q has no description", cmd)
		}
	}
}

func TestSymbolsAreSingleRune(t *testing.T) {
	for _, s := range []string{AM, Workspace, Run, Script, Detect, Serve, DB, Proc, ProcOpen, ProcClose, Running, Success, Failed, Cancelled} {
		if utf8.RuneCountInString(s) != 1 {
			t.Errorf("symbol %q is %d runes, want 1", s, utf8.RuneCountInString(s))
		}
	}
}

func TestForStatus(t *testing.T) {
	cases := map[string]string{
		"running":   Running,
		"success":   Success,
		"failed":    Failed,
		"cancelled": Cancelled,
		"bogus":     "?",
	}
	for status, want := range cases {
		if got := ForStatus(status); got != want {
			t.Errorf("ForStatus(%q) = %q, want %q", status, got, want)
		}
	}
}
