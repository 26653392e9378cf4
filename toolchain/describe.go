package toolchain

import (
	"path/filepath"
	"sort"

	"github.com/BurntSushi/toml"

	"github.com/teranos/kiln/errors"
)

// Project summarizes what a marker file says about a project.
// It is informational only; resolution never depends on marker contents.
type Project struct {
	Framework Framework `json:"framework" yaml:"framework"`
	Marker    string    `json:"marker" yaml:"marker"`
	Name      string    `json:"name,omitempty" yaml:"name,omitempty"`
	SourceDir string    `json:"sourceDir,omitempty" yaml:"sourceDir,omitempty"`
	Programs  []string  `json:"programs,omitempty" yaml:"programs,omitempty"`
}

type foundryFile struct {
	Profile map[string]struct {
		Src string `toml:"src"`
	} `toml:"profile"`
}

type anchorFile struct {
	Programs map[string]map[string]string `toml:"programs"`
}

type moveFile struct {
	Package struct {
		Name string `toml:"name"`
	} `toml:"package"`
}

// Describe detects the framework in dir and reads its marker for display
func Describe(dir string) (Project, error) {
	fw, path, err := detect(dir)
	if err != nil {
		return Project{}, err
	}

	project := Project{
		Framework: fw,
		Marker:    filepath.Base(path),
		Name:      filepath.Base(dir),
	}

	switch fw {
	case Foundry:
		var f foundryFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return project, errors.Mark(errors.Wrapf(err, "malformed %s", project.Marker), errors.ErrValidation)
		}
		project.SourceDir = "src"
		if p, ok := f.Profile["default"]; ok && p.Src != "" {
			project.SourceDir = p.Src
		}
	case Anchor:
		var f anchorFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return project, errors.Mark(errors.Wrapf(err, "malformed %s", project.Marker), errors.ErrValidation)
		}
		seen := map[string]bool{}
		for _, cluster := range f.Programs {
			for name := range cluster {
				if !seen[name] {
					seen[name] = true
					project.Programs = append(project.Programs, name)
				}
			}
		}
		sort.Strings(project.Programs)
	case AptosMove:
		var f moveFile
		if _, err := toml.DecodeFile(path, &f); err != nil {
			return project, errors.Mark(errors.Wrapf(err, "malformed %s", project.Marker), errors.ErrValidation)
		}
		if f.Package.Name != "" {
			project.Name = f.Package.Name
		}
	}

	return project, nil
}
