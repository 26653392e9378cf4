package script

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kiln/errors"
)

func strPtr(s string) *string { return &s }

var deployFlags = []Flag{
	{Name: "--rpc-url", Type: FlagString},
	{Name: "--verbose", Type: FlagBoolean},
	{Name: "--gas", Type: FlagNumber, Default: strPtr("300000")},
	{Name: "--to", Type: FlagAddress},
}

func TestRenderFlags(t *testing.T) {
	tests := []struct {
		name   string
		values map[string]string
		want   []string
	}{
		{"empty", map[string]string{}, nil},
		{"boolean true is bare", map[string]string{"--verbose": "true"}, []string{"--verbose"}},
		{"boolean false renders nothing", map[string]string{"--verbose": "false"}, nil},
		{"boolean other renders nothing", map[string]string{"--verbose": "yes"}, nil},
		{"string is name value", map[string]string{"--rpc-url": "http://localhost:8545"}, []string{"--rpc-url", "http://localhost:8545"}},
		{"undeclared ignored", map[string]string{"--nope": "1"}, nil},
		{"defaults not injected", map[string]string{"--to": "0xabc"}, []string{"--to", "0xabc"}},
		{
			"declaration order not map order",
			map[string]string{"--to": "0xabc", "--gas": "1", "--verbose": "true", "--rpc-url": "u"},
			[]string{"--rpc-url", "u", "--verbose", "--gas", "1", "--to", "0xabc"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, RenderFlags(deployFlags, tt.values))
		})
	}
}

func TestValidateFlags(t *testing.T) {
	def := Script{Flags: []Flag{
		{Name: "--network", Type: FlagString},
		{Name: "--verbose", Type: FlagBoolean, Required: true},
		{Name: "--key", Type: FlagString, Required: true},
	}}

	err := ValidateFlags(def, map[string]string{"--key": "k"})
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, "required flag missing: --verbose", err.Error())

	// A present "false" still satisfies required
	assert.NoError(t, ValidateFlags(def, map[string]string{"--verbose": "false", "--key": "k"}))
}

func TestBuildCommand(t *testing.T) {
	flags := []Flag{
		{Name: "--network", Type: FlagString},
		{Name: "--dry", Type: FlagBoolean},
	}
	values := map[string]string{"--network": "devnet", "--dry": "true"}

	tests := []struct {
		name     string
		def      Script
		wantProg string
		wantArgs []string
	}{
		{
			name:     "bash quotes tokens",
			def:      Script{Runner: RunnerBash, FilePath: "scripts/deploy.sh", Flags: flags},
			wantProg: "sh",
			wantArgs: []string{"-c", "scripts/deploy.sh --network devnet --dry"},
		},
		{
			name:     "custom keeps raw command",
			def:      Script{Runner: RunnerCustom, Command: "make deploy", Flags: flags},
			wantProg: "sh",
			wantArgs: []string{"-c", "make deploy --network devnet --dry"},
		},
		{
			name:     "custom with file",
			def:      Script{Runner: RunnerCustom, Command: "./run.sh", FilePath: "my file.js", Flags: flags},
			wantProg: "sh",
			wantArgs: []string{"-c", `./run.sh 'my file.js' --network devnet --dry`},
		},
		{
			name:     "node",
			def:      Script{Runner: RunnerNode, FilePath: "index.js", Flags: flags},
			wantProg: "node",
			wantArgs: []string{"index.js", "--network", "devnet", "--dry"},
		},
		{
			name:     "bun",
			def:      Script{Runner: RunnerBun, FilePath: "index.ts"},
			wantProg: "bun",
			wantArgs: []string{"run", "index.ts"},
		},
		{
			name:     "python",
			def:      Script{Runner: RunnerPython, FilePath: "main.py"},
			wantProg: "python3",
			wantArgs: []string{"main.py"},
		},
		{
			name:     "npx",
			def:      Script{Runner: RunnerNpx, FilePath: "ts-node"},
			wantProg: "npx",
			wantArgs: []string{"ts-node"},
		},
		{
			name:     "forge script with extra args",
			def:      Script{Runner: RunnerForge, FilePath: "script/Deploy.s.sol", Command: `--sig "run(uint256)" 42`, Flags: flags},
			wantProg: "forge",
			wantArgs: []string{"script", "script/Deploy.s.sol", "--sig", "run(uint256)", "42", "--network", "devnet", "--dry"},
		},
		{
			name:     "forge test with match path",
			def:      Script{Runner: RunnerForgeTest, FilePath: "test/Counter.t.sol"},
			wantProg: "forge",
			wantArgs: []string{"test", "--match-path", "test/Counter.t.sol"},
		},
		{
			name:     "forge test dot means no file",
			def:      Script{Runner: RunnerForgeTest, FilePath: "."},
			wantProg: "forge",
			wantArgs: []string{"test"},
		},
		{
			name:     "forge build",
			def:      Script{Runner: RunnerForgeBuild, Command: "--sizes"},
			wantProg: "forge",
			wantArgs: []string{"build", "--sizes"},
		},
		{
			name:     "hardhat run",
			def:      Script{Runner: RunnerHardhat, FilePath: "scripts/deploy.ts"},
			wantProg: "npx",
			wantArgs: []string{"hardhat", "run", "scripts/deploy.ts"},
		},
		{
			name:     "hardhat test optional file",
			def:      Script{Runner: RunnerHardhatTest},
			wantProg: "npx",
			wantArgs: []string{"hardhat", "test"},
		},
		{
			name:     "hardhat compile",
			def:      Script{Runner: RunnerHardhatCompile},
			wantProg: "npx",
			wantArgs: []string{"hardhat", "compile"},
		},
		{
			name:     "anchor run",
			def:      Script{Runner: RunnerAnchor, FilePath: "migrate"},
			wantProg: "anchor",
			wantArgs: []string{"run", "migrate"},
		},
		{
			name:     "anchor test",
			def:      Script{Runner: RunnerAnchorTest, Command: "--skip-local-validator"},
			wantProg: "anchor",
			wantArgs: []string{"test", "--skip-local-validator"},
		},
		{
			name:     "anchor build",
			def:      Script{Runner: RunnerAnchorBuild},
			wantProg: "anchor",
			wantArgs: []string{"build"},
		},
		{
			name:     "aptos compile",
			def:      Script{Runner: RunnerAptosMoveCompile},
			wantProg: "aptos",
			wantArgs: []string{"move", "compile"},
		},
		{
			name:     "aptos test with filter",
			def:      Script{Runner: RunnerAptosMoveTest, FilePath: "coin_tests"},
			wantProg: "aptos",
			wantArgs: []string{"move", "test", "--filter", "coin_tests"},
		},
		{
			name:     "aptos publish",
			def:      Script{Runner: RunnerAptosMovePublish, Command: "--assume-yes"},
			wantProg: "aptos",
			wantArgs: []string{"move", "publish", "--assume-yes"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			spec, err := BuildCommand(tt.def, values, "linux")
			require.NoError(t, err)
			assert.Equal(t, tt.wantProg, spec.Program)
			assert.Equal(t, tt.wantArgs, spec.Args)
		})
	}
}

func TestBuildCommandShellQuoting(t *testing.T) {
	def := Script{
		Runner:   RunnerBash,
		FilePath: "deploy.sh",
		Flags:    []Flag{{Name: "--name", Type: FlagString}},
	}

	spec, err := BuildCommand(def, map[string]string{"--name": "a b; rm -rf /"}, "linux")
	require.NoError(t, err)
	assert.Equal(t, []string{"-c", `deploy.sh --name 'a b; rm -rf /'`}, spec.Args)
}

func TestBuildCommandWindows(t *testing.T) {
	def := Script{
		Runner:   RunnerBash,
		FilePath: "deploy.sh",
		Flags:    []Flag{{Name: "--name", Type: FlagString}},
	}

	spec, err := BuildCommand(def, map[string]string{"--name": "a b"}, "windows")
	require.NoError(t, err)
	assert.Equal(t, "cmd.exe", spec.Program)
	assert.Equal(t, []string{"/C", `deploy.sh --name "a b"`}, spec.Args)
}

func TestBuildCommandErrors(t *testing.T) {
	tests := []struct {
		name string
		def  Script
	}{
		{"unknown runner", Script{Runner: "cargo"}},
		{"bash without file", Script{Runner: RunnerBash}},
		{"custom without command", Script{Runner: RunnerCustom, FilePath: "x.sh"}},
		{"node without file", Script{Runner: RunnerNode, FilePath: "."}},
		{"forge without file", Script{Runner: RunnerForge}},
		{"unterminated quote", Script{Runner: RunnerForgeBuild, Command: `--sig "run(`}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := BuildCommand(tt.def, nil, "linux")
			require.Error(t, err)
			assert.True(t, errors.IsValidation(err), "got %v", err)
		})
	}
}

func TestRunnerFor(t *testing.T) {
	for _, kind := range RunnerKinds() {
		r, err := RunnerFor(kind)
		require.NoError(t, err, kind)
		assert.Equal(t, kind, r.Kind())
	}

	r, err := RunnerFor("FORGE-TEST")
	require.NoError(t, err)
	assert.Equal(t, RunnerForgeTest, r.Kind())

	requiring := map[RunnerKind]bool{
		RunnerBash: true, RunnerNode: true, RunnerBun: true, RunnerPython: true,
		RunnerNpx: true, RunnerForge: true, RunnerHardhat: true, RunnerAnchor: true,
	}
	for _, kind := range RunnerKinds() {
		r, _ := RunnerFor(kind)
		assert.Equal(t, requiring[kind], r.RequiresFile(), kind)
	}
}
