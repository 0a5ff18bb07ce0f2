package importer

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"

	"github.com/pthm/pgm"
)

// DefaultDumpCommand produces a schema-only dump suitable for Import.
const DefaultDumpCommand = "pg_dump --schema-only --no-owner --no-privileges"

// Dumper runs an external schema dump utility. The utility only reads from
// the database.
type Dumper struct {
	// Command is split with shell quoting rules. Empty means
	// DefaultDumpCommand.
	Command string

	// DSN is passed as --dbname when set; otherwise the utility falls back to
	// the libpq environment (PGHOST, PGDATABASE, ...).
	DSN string

	Logger *slog.Logger
}

// Dump runs the command and returns its standard output.
func (d *Dumper) Dump(ctx context.Context) (string, error) {
	command := d.Command
	if strings.TrimSpace(command) == "" {
		command = DefaultDumpCommand
	}
	args, err := shellquote.Split(command)
	if err != nil {
		return "", fmt.Errorf("%w: dump command %q: %v", pgm.ErrConfig, command, err)
	}
	if len(args) == 0 {
		return "", fmt.Errorf("%w: empty dump command", pgm.ErrConfig)
	}
	if d.DSN != "" {
		args = append(args, "--dbname="+d.DSN)
	}

	logger := d.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	// The DSN may carry a password.
	logger.Debug("running schema dump", "command", command)

	var stdout, stderr bytes.Buffer
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return "", fmt.Errorf("%w: %s not found; install it or set the dump command", pgm.ErrConfig, args[0])
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			msg := strings.TrimSpace(stderr.String())
			if msg == "" {
				msg = exitErr.Error()
			}
			return "", fmt.Errorf("%w: %s exited with code %d: %s", pgm.ErrDumpFailed, args[0], exitErr.ExitCode(), msg)
		}
		if ctx.Err() != nil {
			return "", ctx.Err()
		}
		return "", fmt.Errorf("running %s: %w", args[0], err)
	}
	logger.Debug("schema dump complete", "bytes", stdout.Len())
	return stdout.String(), nil
}
