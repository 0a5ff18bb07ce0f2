// Package project loads a pgm project directory into typed records.
//
// A project is a directory with a fixed layout:
//
//	<root>/
//	  functions/*.sql
//	  triggers/*.sql
//	  views/*.sql
//	  materialized-views/*.sql
//	  migrations/<sequence>_<name>.sql
//	  seeds/*.sql
//
// The folder a file lives in decides its kind; the file stem is its name.
// Records are rebuilt from disk on every Load and never cached.
package project

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/pthm/pgm"
	"github.com/pthm/pgm/pkg/fingerprint"
)

// Kind is the closed set of re-appliable object kinds.
type Kind int

const (
	Function Kind = iota
	Trigger
	View
	MaterializedView
)

// Kinds lists every Kind in apply order.
var Kinds = []Kind{Function, Trigger, View, MaterializedView}

// String returns the ledger spelling of the kind.
func (k Kind) String() string {
	switch k {
	case Function:
		return "function"
	case Trigger:
		return "trigger"
	case View:
		return "view"
	case MaterializedView:
		return "materialized_view"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Dir returns the project subdirectory holding objects of this kind.
func (k Kind) Dir() string {
	switch k {
	case Function:
		return "functions"
	case Trigger:
		return "triggers"
	case View:
		return "views"
	case MaterializedView:
		return "materialized-views"
	default:
		return ""
	}
}

// ParseKind accepts the ledger spelling and the CLI spelling
// ("materialized-view") of a kind.
func ParseKind(s string) (Kind, error) {
	switch strings.ToLower(s) {
	case "function":
		return Function, nil
	case "trigger":
		return Trigger, nil
	case "view":
		return View, nil
	case "materialized_view", "materialized-view":
		return MaterializedView, nil
	}
	return 0, fmt.Errorf("unknown object kind %q", s)
}

// Directory names for the non-object parts of a project.
const (
	MigrationsDir = "migrations"
	SeedsDir      = "seeds"
)

// Key identifies an object within a project.
type Key struct {
	Kind Kind
	Name string
}

func (k Key) String() string {
	return strings.ReplaceAll(k.Kind.String(), "_", " ") + " " + k.Name
}

// Object is a function, trigger, view or materialized view file.
type Object struct {
	Kind        Kind
	Name        string
	Source      string
	Fingerprint string
	Path        string
}

// Key returns the object's identity.
func (o *Object) Key() Key {
	return Key{Kind: o.Kind, Name: o.Name}
}

// Migration is a forward-only script identified by its sequence.
type Migration struct {
	Sequence    int64
	Name        string
	Source      string
	Fingerprint string
	Path        string
}

// Label renders the migration the way file names spell it.
func (m *Migration) Label() string {
	if m.Name == "" {
		return fmt.Sprintf("%05d", m.Sequence)
	}
	return fmt.Sprintf("%05d_%s", m.Sequence, m.Name)
}

// Seed is a data script run only by an explicit seed invocation.
type Seed struct {
	Name   string
	Source string
	Path   string
}

// Project is the desired state read from disk.
type Project struct {
	Root       string
	Objects    map[Key]*Object
	Migrations []*Migration // ascending sequence
	Seeds      []*Seed      // by name
}

// ObjectsOfKind returns the objects of one kind ordered by name.
func (p *Project) ObjectsOfKind(kind Kind) []*Object {
	var out []*Object
	for _, o := range p.Objects {
		if o.Kind == kind {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Object returns the object with the given identity, or nil.
func (p *Project) Object(kind Kind, name string) *Object {
	return p.Objects[Key{Kind: kind, Name: name}]
}

// Migration returns the migration with the given sequence, or nil.
func (p *Project) Migration(seq int64) *Migration {
	i := sort.Search(len(p.Migrations), func(i int) bool { return p.Migrations[i].Sequence >= seq })
	if i < len(p.Migrations) && p.Migrations[i].Sequence == seq {
		return p.Migrations[i]
	}
	return nil
}

var (
	migrationNameRe = regexp.MustCompile(`^(\d+)(?:[_-](.*))?$`)
	relationNameRe  = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_$]*(\.[A-Za-z_][A-Za-z0-9_$]*)?$`)
)

// Load reads the project rooted at root.
//
// A missing root is a configuration error. Missing subdirectories are
// treated as empty so a partially scaffolded project still loads.
func Load(root string) (*Project, error) {
	info, err := os.Stat(root)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: project directory %s not found (have you run 'pgm init'?)", pgm.ErrConfig, root)
		}
		return nil, fmt.Errorf("%w: %v", pgm.ErrConfig, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("%w: %s is not a directory", pgm.ErrConfig, root)
	}

	p := &Project{
		Root:    root,
		Objects: make(map[Key]*Object),
	}

	for _, kind := range Kinds {
		if err := p.loadObjects(kind); err != nil {
			return nil, err
		}
	}
	if err := p.loadMigrations(); err != nil {
		return nil, err
	}
	if err := p.loadSeeds(); err != nil {
		return nil, err
	}
	return p, nil
}

func (p *Project) loadObjects(kind Kind) error {
	files, err := sqlFiles(filepath.Join(p.Root, kind.Dir()))
	if err != nil {
		return err
	}
	for _, f := range files {
		if (kind == View || kind == MaterializedView) && !relationNameRe.MatchString(f.stem) {
			return fmt.Errorf("%w: %s: %q is not a valid relation name", pgm.ErrInvalidObjectName, f.path, f.stem)
		}
		key := Key{Kind: kind, Name: f.stem}
		if prev, ok := p.Objects[key]; ok {
			return fmt.Errorf("%w: %s and %s both define %s", pgm.ErrDuplicateObject, prev.Path, f.path, key)
		}
		src, err := readSource(f.path)
		if err != nil {
			return err
		}
		p.Objects[key] = &Object{
			Kind:        kind,
			Name:        f.stem,
			Source:      src,
			Fingerprint: fingerprint.Compute(src),
			Path:        f.path,
		}
	}
	return nil
}

func (p *Project) loadMigrations() error {
	files, err := sqlFiles(filepath.Join(p.Root, MigrationsDir))
	if err != nil {
		return err
	}
	bySeq := make(map[int64]*Migration, len(files))
	for _, f := range files {
		seq, name, err := ParseMigrationName(f.stem)
		if err != nil {
			return &pgm.ParseError{Path: f.path, Err: err}
		}
		if prev, ok := bySeq[seq]; ok {
			return &pgm.ParseError{
				Path: f.path,
				Err:  fmt.Errorf("%w: sequence %d already used by %s", pgm.ErrInvalidMigrationName, seq, prev.Path),
			}
		}
		src, err := readSource(f.path)
		if err != nil {
			return err
		}
		m := &Migration{
			Sequence:    seq,
			Name:        name,
			Source:      src,
			Fingerprint: fingerprint.Compute(src),
			Path:        f.path,
		}
		bySeq[seq] = m
		p.Migrations = append(p.Migrations, m)
	}
	sort.Slice(p.Migrations, func(i, j int) bool {
		return p.Migrations[i].Sequence < p.Migrations[j].Sequence
	})
	return nil
}

func (p *Project) loadSeeds() error {
	files, err := sqlFiles(filepath.Join(p.Root, SeedsDir))
	if err != nil {
		return err
	}
	for _, f := range files {
		src, err := readSource(f.path)
		if err != nil {
			return err
		}
		p.Seeds = append(p.Seeds, &Seed{Name: f.stem, Source: src, Path: f.path})
	}
	return nil
}

// ParseMigrationName splits a migration file stem into its sequence and
// descriptive name. "00012_add_users" yields (12, "add_users").
func ParseMigrationName(stem string) (int64, string, error) {
	m := migrationNameRe.FindStringSubmatch(stem)
	if m == nil {
		return 0, "", fmt.Errorf("%w: %q has no numeric sequence prefix", pgm.ErrInvalidMigrationName, stem)
	}
	seq, err := strconv.ParseInt(m[1], 10, 64)
	if err != nil {
		return 0, "", fmt.Errorf("%w: %q: %v", pgm.ErrInvalidMigrationName, stem, err)
	}
	return seq, m[2], nil
}

type sqlFile struct {
	stem string
	path string
}

// sqlFiles lists the .sql files directly inside dir, sorted by name.
// A missing dir yields no files.
func sqlFiles(dir string) ([]sqlFile, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading %s: %w", dir, err)
	}
	var files []sqlFile
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if !strings.EqualFold(ext, ".sql") {
			continue
		}
		files = append(files, sqlFile{
			stem: strings.TrimSuffix(e.Name(), ext),
			path: filepath.Join(dir, e.Name()),
		})
	}
	return files, nil
}

func readSource(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading %s: %w", path, err)
	}
	return string(b), nil
}
