// Command agigatectl places, lists and cancels outbound calls by writing
// directly to the PBX spool, and mints control API tokens.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/urfave/cli/v3"

	"github.com/flowpbx/agigate/internal/api/middleware"
	"github.com/flowpbx/agigate/internal/callfile"
	"github.com/flowpbx/agigate/internal/config"
)

func main() {
	cmd := &cli.Command{
		Name:  "agigatectl",
		Usage: "operate an agigate call spool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "outgoing-dir",
				Value:   "/var/spool/asterisk/outgoing",
				Usage:   "spool directory the PBX dials from",
				Sources: cli.EnvVars("AGIGATE_OUTGOING_DIR"),
			},
			&cli.StringFlag{
				Name:    "wakeup-dir",
				Value:   "/var/spool/asterisk/wakeups",
				Usage:   "spool directory for deferred calls",
				Sources: cli.EnvVars("AGIGATE_WAKEUP_DIR"),
			},
			&cli.StringFlag{
				Name:    "staging-dir",
				Usage:   "directory call files are written to before publishing",
				Sources: cli.EnvVars("AGIGATE_STAGING_DIR"),
			},
			&cli.StringFlag{
				Name:    "agi-server",
				Usage:   "host answered calls connect back to (default: hostname)",
				Sources: cli.EnvVars("AGIGATE_AGI_SERVER"),
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "log scheduler activity to stderr",
			},
		},
		Commands: []*cli.Command{
			placeCommand(),
			cancelCommand(),
			listCommand(),
			tokenCommand(),
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newScheduler(c *cli.Command) (*callfile.Scheduler, error) {
	var w io.Writer = io.Discard
	if c.Bool("verbose") {
		w = os.Stderr
	}
	logger := slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: slog.LevelDebug}))

	agiServer := c.String("agi-server")
	if agiServer == "" {
		agiServer, _ = os.Hostname()
	}
	return callfile.New(callfile.Config{
		OutgoingDir: c.String("outgoing-dir"),
		WakeupDir:   c.String("wakeup-dir"),
		StagingDir:  c.String("staging-dir"),
		AGIServer:   agiServer,
	}, logger)
}

// parseAt accepts an RFC 3339 time or a duration from now, e.g. "90m".
func parseAt(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		return time.Now().Add(d), nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("at must be RFC 3339 or a duration: %q", s)
	}
	return t.Local(), nil
}

// parsePairs turns key=value arguments into a map.
func parsePairs(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]string, len(pairs))
	for _, p := range pairs {
		k, v, ok := strings.Cut(p, "=")
		if !ok || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", p)
		}
		out[k] = v
	}
	return out, nil
}

func placeCommand() *cli.Command {
	return &cli.Command{
		Name:      "place",
		Usage:     "originate a call now or at a later time",
		ArgsUsage: "<phone number>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "route", Usage: "route the answered call runs, e.g. /survey/start", Required: true},
			&cli.StringFlag{Name: "caller-id", Usage: "caller id presented to the callee"},
			&cli.StringFlag{Name: "at", Usage: "dial time, RFC 3339 or a duration from now"},
			&cli.StringFlag{Name: "unique-id", Usage: "id distinguishing calls to the same number"},
			&cli.StringFlag{Name: "session", Usage: "session id the answered call attaches to"},
			&cli.IntFlag{Name: "retries", Usage: "times the PBX retries an unanswered call"},
			&cli.IntFlag{Name: "retry-time", Usage: "seconds between retries"},
			&cli.IntFlag{Name: "wait-time", Usage: "seconds to wait for an answer"},
			&cli.StringSliceFlag{Name: "data", Usage: "key=value handed to the handler as hash data"},
			&cli.StringSliceFlag{Name: "var", Usage: "key=value channel variable"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			phone := c.Args().First()
			if phone == "" {
				return fmt.Errorf("phone number is required")
			}
			at, err := parseAt(c.String("at"))
			if err != nil {
				return err
			}
			data, err := parsePairs(c.StringSlice("data"))
			if err != nil {
				return err
			}
			vars, err := parsePairs(c.StringSlice("var"))
			if err != nil {
				return err
			}

			call := callfile.Call{
				PhoneNumber: phone,
				CallerID:    c.String("caller-id"),
				Route:       c.String("route"),
				SessionID:   c.String("session"),
				At:          at,
				UniqueID:    c.String("unique-id"),
				MaxRetries:  c.Int("retries"),
				RetryTime:   c.Int("retry-time"),
				WaitTime:    c.Int("wait-time"),
				Variables:   vars,
			}
			if data != nil {
				call.HashData = make(map[string]any, len(data))
				for k, v := range data {
					call.HashData[k] = v
				}
			}

			s, err := newScheduler(c.Root())
			if err != nil {
				return err
			}
			p, err := s.Place(call)
			if err != nil {
				return err
			}
			return json.NewEncoder(os.Stdout).Encode(p)
		},
	}
}

func cancelCommand() *cli.Command {
	return &cli.Command{
		Name:      "cancel",
		Usage:     "remove a deferred call from the spool",
		ArgsUsage: "<phone number>",
		Flags: []cli.Flag{
			&cli.StringFlag{Name: "at", Usage: "scheduled time, RFC 3339", Required: true},
			&cli.StringFlag{Name: "unique-id", Usage: "unique id given when the call was placed", Required: true},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			phone := c.Args().First()
			if phone == "" {
				return fmt.Errorf("phone number is required")
			}
			at, err := time.Parse(time.RFC3339, c.String("at"))
			if err != nil {
				return fmt.Errorf("at must be RFC 3339: %w", err)
			}
			s, err := newScheduler(c.Root())
			if err != nil {
				return err
			}
			return s.Cancel(phone, at.Local(), c.String("unique-id"))
		},
	}
}

func listCommand() *cli.Command {
	return &cli.Command{
		Name:  "list",
		Usage: "show deferred calls",
		Action: func(ctx context.Context, c *cli.Command) error {
			s, err := newScheduler(c.Root())
			if err != nil {
				return err
			}
			calls, err := s.List()
			if err != nil {
				return err
			}

			tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "AT\tPHONE\tUNIQUE ID")
			for _, call := range calls {
				fmt.Fprintf(tw, "%s\t%s\t%s\n", call.At.Format(time.RFC3339), call.PhoneNumber, call.UniqueID)
			}
			return tw.Flush()
		},
	}
}

func tokenCommand() *cli.Command {
	return &cli.Command{
		Name:  "token",
		Usage: "mint a bearer token for the control API",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "jwt-secret",
				Usage:    "hex-encoded 32-byte secret the server was started with",
				Sources:  cli.EnvVars("AGIGATE_JWT_SECRET"),
				Required: true,
			},
			&cli.StringFlag{Name: "operator", Usage: "operator name recorded in the token", Required: true},
			&cli.DurationFlag{Name: "ttl", Value: middleware.DefaultTokenTTL, Usage: "token lifetime"},
		},
		Action: func(ctx context.Context, c *cli.Command) error {
			secret, err := (&config.Config{JWTSecret: c.String("jwt-secret")}).JWTSecretBytes()
			if err != nil {
				return err
			}
			token, expires, err := middleware.GenerateToken(secret, c.String("operator"), c.Duration("ttl"))
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s\n", expires.Format(time.RFC3339))
			return nil
		},
	}
}
