// Package importer bootstraps a project directory from an existing database.
//
// A schema-only dump is scanned into statements, and each statement is
// sorted into an object file (functions, triggers, views, materialized views)
// or the baseline migration holding the table-bound DDL. Statements that are
// neither are reported as skipped; nothing in the dump is fatal to an import.
package importer

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/pthm/pgm/pkg/project"
)

// BaselineName is the stem of the migration holding imported table DDL.
const BaselineName = "00000_baseline"

const baselineHeader = `-- Baseline schema imported from an existing database.
-- Record it without running it on that database with: pgm apply --fake
`

// Report summarizes an import.
type Report struct {
	// Written lists the created files, relative to the project root.
	Written []string

	// Objects counts imported objects per kind.
	Objects map[project.Kind]int

	// BaselineStatements counts statements written to the baseline.
	BaselineStatements int

	Skipped []Skipped
}

type objectFile struct {
	kind  project.Kind
	name  string
	parts []string
}

// Import writes the project files for dump under root. It refuses to
// overwrite any existing file and writes nothing in that case.
func Import(dump *Dump, root string) (*Report, error) {
	report := &Report{
		Objects: make(map[project.Kind]int),
		Skipped: append([]Skipped(nil), dump.Skipped...),
	}

	all := make([]classified, len(dump.Statements))
	objects := make(map[project.Key]*objectFile)
	for i, stmt := range dump.Statements {
		c := classify(stmt)
		all[i] = c
		switch c.class {
		case classObject:
			key := project.Key{Kind: c.kinds[0], Name: c.name}
			f := objects[key]
			if f == nil {
				f = &objectFile{kind: key.Kind, name: key.Name}
				objects[key] = f
			}
			// Overloads share a file.
			f.parts = append(f.parts, c.text)
		case classSkip:
			report.Skipped = append(report.Skipped, Skipped{Line: stmt.Line, Head: firstLine(stmt.Text), Reason: c.reason})
		}
	}

	var baseline []string
	for _, c := range all {
		switch c.class {
		case classBaseline:
			baseline = append(baseline, c.text)
		case classAttach:
			if f := attachTarget(objects, c); f != nil {
				f.parts = append(f.parts, c.text)
			} else {
				baseline = append(baseline, c.text)
			}
		}
	}

	files := make(map[string]string)
	for _, f := range objects {
		parts := f.parts
		if schema, _, ok := strings.Cut(f.name, "."); ok {
			parts = append([]string{"CREATE SCHEMA IF NOT EXISTS " + schema + ";"}, parts...)
		}
		files[project.ObjectPath(root, f.kind, f.name)] = strings.Join(parts, "\n\n") + "\n"
		report.Objects[f.kind]++
	}
	if len(baseline) > 0 {
		files[filepath.Join(root, project.MigrationsDir, BaselineName+".sql")] = baselineHeader + "\n" + strings.Join(baseline, "\n\n") + "\n"
		report.BaselineStatements = len(baseline)
	}

	paths := make([]string, 0, len(files))
	for path := range files {
		paths = append(paths, path)
	}
	sort.Strings(paths)

	// Check everything before writing anything.
	var conflicts []error
	for _, path := range paths {
		if exists(path) {
			conflicts = append(conflicts, fmt.Errorf("%s: %w", path, project.ErrFileExists))
		}
	}
	if len(conflicts) > 0 {
		return nil, fmt.Errorf("importing into %s: %w", root, errors.Join(conflicts...))
	}

	for _, path := range paths {
		if err := project.WriteFile(path, files[path], false); err != nil {
			return report, err
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			rel = path
		}
		report.Written = append(report.Written, filepath.ToSlash(rel))
	}
	return report, nil
}

func attachTarget(objects map[project.Key]*objectFile, c classified) *objectFile {
	for _, kind := range c.kinds {
		if f := objects[project.Key{Kind: kind, Name: c.name}]; f != nil {
			return f
		}
	}
	return nil
}

func exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
