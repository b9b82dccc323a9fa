package migration

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
)

// CLI prints human-readable migration results. `agentroom migrate` drives it.
type CLI struct {
	migrator Migrator
	output   io.Writer
}

// NewCLI creates a CLI writing to stdout.
func NewCLI(migrator Migrator) *CLI {
	return &CLI{migrator: migrator, output: os.Stdout}
}

// SetOutput redirects CLI messages.
func (c *CLI) SetOutput(w io.Writer) {
	c.output = w
}

func (c *CLI) printf(format string, args ...any) {
	fmt.Fprintf(c.output, format, args...)
}

// change announces an action, runs it, then reports the resulting version.
func (c *CLI) change(ctx context.Context, announce string, fn func() error) error {
	c.printf("%s...\n", announce)
	if err := fn(); err != nil {
		return err
	}
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("Done. Schema version: %d%s\n", info.CurrentVersion, dirtySuffix(info.Dirty))
	return nil
}

func dirtySuffix(dirty bool) string {
	if dirty {
		return " (dirty)"
	}
	return ""
}

// RunUp applies every pending migration.
func (c *CLI) RunUp(ctx context.Context) error {
	return c.change(ctx, "Applying pending migrations", func() error {
		if err := c.migrator.Up(ctx); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
		return nil
	})
}

// RunDown rolls back the newest migration.
func (c *CLI) RunDown(ctx context.Context) error {
	return c.change(ctx, "Rolling back the last migration", func() error {
		if err := c.migrator.Down(ctx); err != nil {
			return fmt.Errorf("rollback failed: %w", err)
		}
		return nil
	})
}

// RunSteps applies n migrations, or rolls back -n when n is negative.
func (c *CLI) RunSteps(ctx context.Context, n int) error {
	if n == 0 {
		return fmt.Errorf("step count must not be zero")
	}
	announce := fmt.Sprintf("Applying %d migration(s)", n)
	if n < 0 {
		announce = fmt.Sprintf("Rolling back %d migration(s)", -n)
	}
	return c.change(ctx, announce, func() error {
		if err := c.migrator.Steps(ctx, n); err != nil {
			return fmt.Errorf("migration steps failed: %w", err)
		}
		return nil
	})
}

// RunForce records version as clean without running any migration.
func (c *CLI) RunForce(ctx context.Context, version int) error {
	return c.change(ctx, fmt.Sprintf("Forcing schema version %d", version), func() error {
		if err := c.migrator.Force(ctx, version); err != nil {
			return fmt.Errorf("force failed: %w", err)
		}
		return nil
	})
}

// RunVersion prints the current schema version.
func (c *CLI) RunVersion(ctx context.Context) error {
	version, dirty, err := c.migrator.Version(ctx)
	if err != nil {
		return fmt.Errorf("failed to get version: %w", err)
	}
	if version == 0 {
		c.printf("No migrations applied yet.\n")
		return nil
	}
	c.printf("Schema version: %d%s\n", version, dirtySuffix(dirty))
	return nil
}

// RunStatus prints one row per embedded migration and a summary line.
func (c *CLI) RunStatus(ctx context.Context) error {
	statuses, err := c.migrator.Status(ctx)
	if err != nil {
		return fmt.Errorf("failed to get status: %w", err)
	}
	if len(statuses) == 0 {
		c.printf("No migrations found.\n")
		return nil
	}

	w := tabwriter.NewWriter(c.output, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "VERSION\tNAME\tSTATE")
	for _, s := range statuses {
		state := "pending"
		switch {
		case s.Dirty:
			state = "dirty"
		case s.Applied:
			state = "applied"
		}
		fmt.Fprintf(w, "%06d\t%s\t%s\n", s.Version, s.Name, state)
	}
	if err := w.Flush(); err != nil {
		return err
	}

	info, err := c.migrator.Info(ctx)
	if err != nil {
		return err
	}
	c.printf("\n%d applied, %d pending, %d total\n",
		info.AppliedMigrations, info.PendingMigrations, info.TotalMigrations)
	return nil
}

// RunInfo prints a migration summary.
func (c *CLI) RunInfo(ctx context.Context) error {
	info, err := c.migrator.Info(ctx)
	if err != nil {
		return fmt.Errorf("failed to get info: %w", err)
	}
	w := tabwriter.NewWriter(c.output, 0, 0, 1, ' ', 0)
	fmt.Fprintf(w, "Schema version:\t%d\n", info.CurrentVersion)
	fmt.Fprintf(w, "Dirty:\t%v\n", info.Dirty)
	fmt.Fprintf(w, "Applied:\t%d\n", info.AppliedMigrations)
	fmt.Fprintf(w, "Pending:\t%d\n", info.PendingMigrations)
	fmt.Fprintf(w, "Total:\t%d\n", info.TotalMigrations)
	return w.Flush()
}
