// Command migrate manages the order journal schema: apply, roll back, inspect
// or repair the recorded version.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/coachpo/stablebot/internal/infra/persistence/migrations"
)

const (
	defaultTimeout = 30 * time.Second
	dsnEnv         = "STABLEBOT_DATABASE_DSN"
	usage          = "usage: migrate [flags] up | down [N] | status | force VERSION"
)

type action string

const (
	actionUp     action = "up"
	actionDown   action = "down"
	actionStatus action = "status"
	actionForce  action = "force"
)

type command struct {
	action  action
	steps   int
	version int
}

func main() {
	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run(argv []string, out io.Writer) error {
	fs := flag.NewFlagSet("migrate", flag.ContinueOnError)
	var (
		dsn     = fs.String("database", os.Getenv(dsnEnv), "PostgreSQL DSN of the order journal; falls back to $"+dsnEnv)
		dir     = fs.String("path", "", "Directory containing SQL migrations (default: set embedded in the binary)")
		timeout = fs.Duration("timeout", defaultTimeout, "Maximum time to wait for the database")
		quiet   = fs.Bool("quiet", false, "Suppress informational logs")
	)
	if err := fs.Parse(argv); err != nil {
		return err
	}
	if strings.TrimSpace(*dsn) == "" {
		return fmt.Errorf("-database flag or %s is required", dsnEnv)
	}
	cmd, err := parseCommand(fs.Args())
	if err != nil {
		return err
	}

	var logger *log.Logger
	if !*quiet {
		logger = log.New(out, "stablebot-migrate ", log.LstdFlags)
	}

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	switch cmd.action {
	case actionUp:
		return migrations.Apply(ctx, *dsn, *dir, logger)
	case actionDown:
		return migrations.Rollback(ctx, *dsn, *dir, cmd.steps, logger)
	case actionForce:
		return migrations.Force(ctx, *dsn, *dir, cmd.version, logger)
	default:
		state, err := migrations.Status(ctx, *dsn, *dir, logger)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, describeState(state))
		return nil
	}
}

func parseCommand(args []string) (command, error) {
	if len(args) == 0 {
		return command{}, errors.New(usage)
	}
	cmd := command{action: action(args[0])}
	rest := args[1:]
	switch cmd.action {
	case actionUp, actionStatus:
		if len(rest) != 0 {
			return command{}, fmt.Errorf("%s takes no arguments", cmd.action)
		}
	case actionDown:
		cmd.steps = 1
		if len(rest) > 1 {
			return command{}, errors.New("down takes at most one argument")
		}
		if len(rest) == 1 {
			n, err := strconv.Atoi(rest[0])
			if err != nil || n <= 0 {
				return command{}, fmt.Errorf("invalid down steps %q", rest[0])
			}
			cmd.steps = n
		}
	case actionForce:
		if len(rest) != 1 {
			return command{}, errors.New("force requires exactly one VERSION")
		}
		v, err := strconv.Atoi(rest[0])
		if err != nil || v < -1 {
			return command{}, fmt.Errorf("invalid force version %q", rest[0])
		}
		cmd.version = v
	default:
		return command{}, fmt.Errorf("unknown command %q; %s", args[0], usage)
	}
	return cmd, nil
}

func describeState(s migrations.State) string {
	switch {
	case s.Empty:
		return "schema: no migrations applied"
	case s.Dirty:
		return fmt.Sprintf("schema: version %d (dirty; fix manually then run force %d)", s.Version, s.Version)
	default:
		return fmt.Sprintf("schema: version %d", s.Version)
	}
}
