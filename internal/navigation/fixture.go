package navigation

import (
	"crypto/sha256"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"
)

// ParseFixture decodes a YAML fixture.
func ParseFixture(data []byte) (*Fixture, error) {
	var f Fixture
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("navigation: parse fixture: %w", err)
	}
	for i := range f.Cases {
		c := &f.Cases[i]
		if c.Query == "" {
			return nil, fmt.Errorf("navigation: fixture case %d has no query", i)
		}
		if c.CaseNumber == "" {
			c.CaseNumber = c.Query
		}
	}
	f.Checksum = fmt.Sprintf("%x", sha256.Sum256(data))
	return &f, nil
}

// LoadFixture loads a fixture from a YAML file, or from every *.yaml and
// *.yml file under a directory merged in lexical path order.
func LoadFixture(path string) (*Fixture, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("navigation: read fixture: %w", err)
	}
	if !info.IsDir() {
		return loadFixtureFile(path)
	}

	var files []string
	err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		ext := strings.ToLower(filepath.Ext(p))
		if !d.IsDir() && (ext == ".yaml" || ext == ".yml") {
			files = append(files, p)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("navigation: scan fixture directory %s: %w", path, err)
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("navigation: no fixture files in %s", path)
	}

	parts := make([]*Fixture, 0, len(files))
	for _, file := range files {
		f, err := loadFixtureFile(file)
		if err != nil {
			return nil, err
		}
		parts = append(parts, f)
	}
	return mergeFixtures(parts)
}

func loadFixtureFile(path string) (*Fixture, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("navigation: read fixture: %w", err)
	}
	f, err := ParseFixture(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	f.SourceFiles = []string{path}
	return f, nil
}

// mergeFixtures combines fixture files into one site. Courts are unioned and
// cases concatenated; a query defined twice is an error. Page landing
// sequences and fail_login come from the first file that sets them.
func mergeFixtures(parts []*Fixture) (*Fixture, error) {
	merged := &Fixture{}
	owner := make(map[string]string)
	sum := sha256.New()
	for _, f := range parts {
		src := strings.Join(f.SourceFiles, ",")
		for _, court := range f.Courts {
			if !slices.Contains(merged.Courts, court) {
				merged.Courts = append(merged.Courts, court)
			}
		}
		for _, c := range f.Cases {
			if prev, ok := owner[c.Query]; ok {
				return nil, fmt.Errorf("navigation: fixture query %q defined in %s and %s", c.Query, prev, src)
			}
			owner[c.Query] = src
			merged.Cases = append(merged.Cases, c)
		}
		merged.FailLogin = merged.FailLogin || f.FailLogin
		if merged.BackLandings == nil {
			merged.BackLandings = f.BackLandings
		}
		if merged.SearchLandings == nil {
			merged.SearchLandings = f.SearchLandings
		}
		merged.SourceFiles = append(merged.SourceFiles, f.SourceFiles...)
		sum.Write([]byte(f.Checksum))
	}
	merged.Checksum = fmt.Sprintf("%x", sum.Sum(nil))
	return merged, nil
}
