package scriptkit

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lherron/matchq/internal/paths"
	"github.com/lherron/matchq/pkg/protocol"
)

// Spec is a declarative regex migration, read from a YAML file:
//
//	name: rename-foo
//	files: ["**/*.go"]
//	exclude: ["vendor/**"]
//	pattern: 'foo\((\w+)\)'
//	replace: 'bar($1)'
//	commit_message: "Rename foo to bar in {file}"
//	verify: ["go", "build", "./..."]
//
// Each occurrence of pattern becomes its own match.
type Spec struct {
	Name          string   `yaml:"name"`
	Root          string   `yaml:"root"`
	Files         []string `yaml:"files"`
	Exclude       []string `yaml:"exclude"`
	Pattern       string   `yaml:"pattern"`
	Replace       string   `yaml:"replace"`
	CommitMessage string   `yaml:"commit_message"`
	Verify        []string `yaml:"verify"`
}

var skipDirs = map[string]bool{".git": true, ".hg": true, "node_modules": true}

// DeclarativeLoader loads every *.yaml and *.yml file in dir as a Spec.
// Relative roots resolve against the process working directory.
func DeclarativeLoader(dir string) (map[string]Factory, map[string]error) {
	factories := make(map[string]Factory)
	failures := make(map[string]error)

	entries, err := os.ReadDir(dir)
	if err != nil {
		if !os.IsNotExist(err) {
			failures[dir] = err
		}
		return factories, failures
	}

	for _, entry := range entries {
		ext := filepath.Ext(entry.Name())
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}
		file := filepath.Join(dir, entry.Name())
		spec, err := LoadSpec(file)
		if err != nil {
			failures[file] = err
			continue
		}
		if _, dup := factories[spec.Name]; dup {
			failures[file] = fmt.Errorf("duplicate migration name %q", spec.Name)
			continue
		}
		factories[spec.Name] = func() (Migration, error) {
			return NewRegexMigration(spec)
		}
	}
	return factories, failures
}

// LoadSpec reads and validates one declarative migration file.
func LoadSpec(file string) (Spec, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return Spec{}, err
	}
	var spec Spec
	if err := yaml.Unmarshal(data, &spec); err != nil {
		return Spec{}, fmt.Errorf("parsing %s: %w", filepath.Base(file), err)
	}
	if spec.Name == "" {
		spec.Name, err = paths.NormalizeName(filepath.Base(file))
		if err != nil {
			return Spec{}, fmt.Errorf("deriving name from %s: %w", filepath.Base(file), err)
		}
	}
	if spec.Pattern == "" {
		return Spec{}, fmt.Errorf("%s: pattern is required", spec.Name)
	}
	if _, err := regexp.Compile(spec.Pattern); err != nil {
		return Spec{}, fmt.Errorf("%s: invalid pattern: %w", spec.Name, err)
	}
	if len(spec.Files) == 0 {
		spec.Files = []string{"**"}
	}
	return spec, nil
}

// RegexMigration rewrites one regex occurrence per match.
type RegexMigration struct {
	spec Spec
	re   *regexp.Regexp
	root string
}

// NewRegexMigration compiles spec.
func NewRegexMigration(spec Spec) (*RegexMigration, error) {
	re, err := regexp.Compile(spec.Pattern)
	if err != nil {
		return nil, err
	}
	root := spec.Root
	if root == "" {
		root = "."
	}
	root, err = filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	return &RegexMigration{spec: spec, re: re, root: root}, nil
}

// MatchedFiles walks the root and proposes one edit per occurrence. When
// every files entry is a literal path the walk is skipped.
func (m *RegexMigration) MatchedFiles(ctx context.Context) ([]protocol.MatchedFile, error) {
	if literal := m.literalFiles(); literal != nil {
		return m.scanLiteral(ctx, literal)
	}

	var files []protocol.MatchedFile
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		rel := paths.Rel(m.root, path)
		if d.IsDir() {
			if path != m.root && (skipDirs[d.Name()] || paths.MatchAny(m.spec.Exclude, rel)) {
				return filepath.SkipDir
			}
			return nil
		}
		if !paths.MatchAny(m.spec.Files, rel) || paths.MatchAny(m.spec.Exclude, rel) {
			return nil
		}
		f, err := m.scan(path, rel)
		if err != nil {
			return err
		}
		if f != nil {
			files = append(files, *f)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (m *RegexMigration) literalFiles() []string {
	for _, pattern := range m.spec.Files {
		if paths.IsGlobPattern(pattern) {
			return nil
		}
	}
	return m.spec.Files
}

func (m *RegexMigration) scanLiteral(ctx context.Context, rels []string) ([]protocol.MatchedFile, error) {
	var files []protocol.MatchedFile
	for _, rel := range rels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if paths.MatchAny(m.spec.Exclude, rel) {
			continue
		}
		f, err := m.scan(filepath.Join(m.root, filepath.FromSlash(rel)), rel)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		if f != nil {
			files = append(files, *f)
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

// scan returns nil when the file has no occurrence.
func (m *RegexMigration) scan(path, rel string) (*protocol.MatchedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	matches := m.matches(rel, string(data))
	if len(matches) == 0 {
		return nil, nil
	}
	return &protocol.MatchedFile{Path: path, Matches: matches}, nil
}

func (m *RegexMigration) matches(rel, content string) []protocol.Match {
	locs := m.re.FindAllStringSubmatchIndex(content, -1)
	out := make([]protocol.Match, 0, len(locs))
	for _, loc := range locs {
		replacement := m.re.ExpandString(nil, m.spec.Replace, content, loc)
		modified := content[:loc[0]] + string(replacement) + content[loc[1]:]
		if modified == content {
			continue
		}
		line := strings.Count(content[:loc[0]], "\n") + 1
		out = append(out, protocol.Match{
			Label:           fmt.Sprintf("%s:%d %s", rel, line, firstLine(content[loc[0]:loc[1]])),
			ModifiedContent: modified,
		})
	}
	return out
}

// CommitMessage fills the migration's template, or defers to the default.
func (m *RegexMigration) CommitMessage(_ context.Context, info protocol.CommitInfo) (string, error) {
	if m.spec.CommitMessage == "" {
		return "", nil
	}
	return strings.NewReplacer(
		"{name}", m.spec.Name,
		"{file}", paths.Rel(m.root, info.FilePath),
		"{label}", info.MatchLabel,
	).Replace(m.spec.CommitMessage), nil
}

// Verify runs the migration's verify command in the root.
func (m *RegexMigration) Verify(ctx context.Context) error {
	if len(m.spec.Verify) == 0 {
		return nil
	}
	cmd := exec.CommandContext(ctx, m.spec.Verify[0], m.spec.Verify[1:]...)
	cmd.Dir = m.root
	out, err := cmd.CombinedOutput()
	if len(out) > 0 {
		Log(ctx, "%s", strings.TrimRight(string(out), "\n"))
	}
	if err != nil {
		return &protocol.RemoteError{
			Name:    "VerificationFailed",
			Message: fmt.Sprintf("%s: %v", strings.Join(m.spec.Verify, " "), err),
			Stack:   string(out),
		}
	}
	return nil
}

func firstLine(s string) string {
	s, _, _ = strings.Cut(s, "\n")
	s = strings.TrimSpace(s)
	if len(s) > 60 {
		s = s[:57] + "..."
	}
	return s
}
