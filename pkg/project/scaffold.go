package project

import (
	"bytes"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"text/template"

	"github.com/pthm/pgm"
	pgmsql "github.com/pthm/pgm/sql"
)

// ErrFileExists is returned by WriteFile when the target exists and the
// write was not forced.
var ErrFileExists = errors.New("file already exists")

// Layout lists every project subdirectory in creation order.
var Layout = []string{
	Function.Dir(),
	Trigger.Dir(),
	View.Dir(),
	MaterializedView.Dir(),
	MigrationsDir,
	SeedsDir,
}

// Init creates an empty project at root. It refuses to touch an existing path.
func Init(root string) error {
	if _, err := os.Stat(root); err == nil {
		return fmt.Errorf("%w: directory %s already exists", pgm.ErrConfig, root)
	} else if !os.IsNotExist(err) {
		return fmt.Errorf("%w: %v", pgm.ErrConfig, err)
	}
	for _, dir := range Layout {
		full := filepath.Join(root, dir)
		if err := os.MkdirAll(full, 0o755); err != nil {
			return fmt.Errorf("creating %s: %w", full, err)
		}
		if err := os.WriteFile(filepath.Join(full, ".gitkeep"), nil, 0o644); err != nil {
			return fmt.Errorf("creating %s: %w", full, err)
		}
	}
	return nil
}

// RequireRoot returns a configuration error if root is not an existing
// directory.
func RequireRoot(root string) error {
	info, err := os.Stat(root)
	if err != nil || !info.IsDir() {
		return fmt.Errorf("%w: directory %s not found (have you run 'pgm init'?)", pgm.ErrConfig, root)
	}
	return nil
}

// NextMigrationPath returns the path for a new migration after the highest
// existing sequence, e.g. migrations/00004_add_index.sql.
func NextMigrationPath(root, name string) (string, error) {
	return nextSequencedPath(filepath.Join(root, MigrationsDir), name)
}

// NextSeedPath returns the path for a new seed, numbered like migrations so
// seeds run in creation order.
func NextSeedPath(root, name string) (string, error) {
	return nextSequencedPath(filepath.Join(root, SeedsDir), name)
}

func nextSequencedPath(dir, name string) (string, error) {
	files, err := sqlFiles(dir)
	if err != nil {
		return "", err
	}
	var highest int64
	for _, f := range files {
		seq, _, err := ParseMigrationName(f.stem)
		if err != nil {
			continue
		}
		if seq > highest {
			highest = seq
		}
	}
	file := fmt.Sprintf("%05d", highest+1)
	if name = slug(name); name != "" {
		file += "_" + name
	}
	return filepath.Join(dir, file+".sql"), nil
}

// ObjectPath returns where an object of the given kind and name lives.
func ObjectPath(root string, kind Kind, name string) string {
	return filepath.Join(root, kind.Dir(), name+".sql")
}

// Render fills the embedded template for the given template name
// ("function", "trigger", "view", "materialized_view", "migration", "seed").
func Render(templateName, name string) (string, error) {
	raw, err := fs.ReadFile(pgmsql.Templates, "templates/"+templateName+".sql")
	if err != nil {
		return "", fmt.Errorf("no template for %s: %w", templateName, err)
	}
	tmpl, err := template.New(templateName).Parse(string(raw))
	if err != nil {
		return "", fmt.Errorf("parsing %s template: %w", templateName, err)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, struct{ Name string }{Name: name}); err != nil {
		return "", fmt.Errorf("rendering %s template: %w", templateName, err)
	}
	return buf.String(), nil
}

// NewObjectFile renders the starter source for an object and returns it with
// its destination path. Relation names are validated the same way Load does.
func NewObjectFile(root string, kind Kind, name string) (path, content string, err error) {
	if name == "" {
		return "", "", fmt.Errorf("%w: empty %s name", pgm.ErrInvalidObjectName, kind)
	}
	if (kind == View || kind == MaterializedView) && !relationNameRe.MatchString(name) {
		return "", "", fmt.Errorf("%w: %q is not a valid relation name", pgm.ErrInvalidObjectName, name)
	}
	content, err = Render(kind.String(), name)
	if err != nil {
		return "", "", err
	}
	return ObjectPath(root, kind, name), content, nil
}

// WriteFile writes content to path, creating parent directories. An existing
// file is only replaced when force is set.
func WriteFile(path, content string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s: %w", path, ErrFileExists)
		}
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating %s: %w", filepath.Dir(path), err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}

// slug lowercases name and replaces anything outside [a-z0-9_] with '_'.
func slug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.Trim(b.String(), "_")
}
