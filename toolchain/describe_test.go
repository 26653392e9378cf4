package toolchain

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/kiln/errors"
)

func writeMarker(t *testing.T, name, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0644))
	return dir
}

func TestDescribeFoundry(t *testing.T) {
	dir := writeMarker(t, "foundry.toml", `
[profile.default]
src = "contracts"
out = "out"
`)
	p, err := Describe(dir)
	require.NoError(t, err)
	assert.Equal(t, Foundry, p.Framework)
	assert.Equal(t, "foundry.toml", p.Marker)
	assert.Equal(t, "contracts", p.SourceDir)
}

func TestDescribeAnchor(t *testing.T) {
	dir := writeMarker(t, "Anchor.toml", `
[programs.localnet]
vault = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"
escrow = "11111111111111111111111111111111"

[programs.devnet]
vault = "Fg6PaFpoGXkYsidMpWTK6W2BeZ7FEfcYkg476zPFsLnS"
`)
	p, err := Describe(dir)
	require.NoError(t, err)
	assert.Equal(t, []string{"escrow", "vault"}, p.Programs)
}

func TestDescribeMove(t *testing.T) {
	dir := writeMarker(t, "Move.toml", `
[package]
name = "coin_flip"
version = "1.0.0"
`)
	p, err := Describe(dir)
	require.NoError(t, err)
	assert.Equal(t, AptosMove, p.Framework)
	assert.Equal(t, "coin_flip", p.Name)
}

func TestDescribeMalformedMarkerStillDetects(t *testing.T) {
	dir := writeMarker(t, "Move.toml", "[package\nname=")

	fw, err := Detect(dir)
	require.NoError(t, err, "detection only checks existence")
	assert.Equal(t, AptosMove, fw)

	p, err := Describe(dir)
	require.Error(t, err)
	assert.True(t, errors.IsValidation(err))
	assert.Equal(t, AptosMove, p.Framework)
}

func TestDescribeHardhat(t *testing.T) {
	dir := writeMarker(t, "hardhat.config.ts", "export default {}")
	p, err := Describe(dir)
	require.NoError(t, err)
	assert.Equal(t, Hardhat, p.Framework)
	assert.Equal(t, filepath.Base(dir), p.Name)
}
