// Copyright © 2025 jackelyj <dreamerlyj@gmail.com>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.
//

package enrollctl

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"

	"github.com/innovationmech/enrollsaga/internal/enrollment"
	"github.com/innovationmech/enrollsaga/pkg/config"
	"github.com/innovationmech/enrollsaga/pkg/logger"
)

var (
	version   = "dev"
	gitCommit = "unknown"
	buildTime = "unknown"
)

// ErrEnrollmentFailed is returned by process when the saga did not commit.
var ErrEnrollmentFailed = errors.New("enrollment failed")

const closeTimeout = 30 * time.Second

type rootOptions struct {
	workDir  string
	env      string
	logLevel string

	config *Config
	files  []string
}

// NewRootCommand creates the enrollctl command tree.
func NewRootCommand() *cobra.Command {
	opts := &rootOptions{}

	cmd := &cobra.Command{
		Use:           "enrollctl",
		Short:         "enrollctl runs course enrollment sagas",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	flags := cmd.PersistentFlags()
	flags.StringVar(&opts.workDir, "config-dir", ".", "directory holding enrollsaga*.yaml")
	flags.StringVar(&opts.env, "env", os.Getenv("ENROLLSAGA_ENV"), "environment config layer, e.g. dev or prod")
	flags.StringVar(&opts.logLevel, "log-level", "", "overrides logging.level")

	cmd.AddCommand(
		newProcessCommand(opts),
		newBatchCommand(opts),
		newSeatsCommand(opts),
		newEnrollmentsCommand(opts),
		newConfigCommand(opts),
		newVersionCommand(),
	)
	return cmd
}

func (o *rootOptions) load(cmd *cobra.Command) error {
	if cmd.Name() == "version" {
		return nil
	}

	options := config.DefaultOptions()
	options.WorkDir = o.workDir
	options.EnvironmentName = o.env

	overrides := map[string]interface{}{}
	if o.logLevel != "" {
		overrides["logging.level"] = o.logLevel
	}

	cfg, files, err := LoadConfig(options, overrides)
	if err != nil {
		return err
	}
	if err := logger.SetLevel(cfg.Logging.Level); err != nil {
		return err
	}
	o.config, o.files = cfg, files
	logger.GetLogger().Debug("configuration loaded", zap.Strings("files", files))
	return nil
}

// withApp builds the application, runs fn and closes the application.
func (o *rootOptions) withApp(ctx context.Context, fn func(*App) error) (err error) {
	app, err := Build(ctx, o.config, logger.GetLogger())
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), closeTimeout)
		defer cancel()
		if cerr := app.Close(closeCtx); cerr != nil {
			logger.GetLogger().Warn("shutdown incomplete", zap.Error(cerr))
			if err == nil {
				err = cerr
			}
		}
	}()
	return fn(app)
}

func newProcessCommand(opts *rootOptions) *cobra.Command {
	var (
		req         enrollment.Request
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "process",
		Short: "Enroll one student in one course",
		RunE: func(cmd *cobra.Command, args []string) error {
			if req.IdempotencyKey == "" {
				req.IdempotencyKey = uuid.NewString()
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				resp, err := app.Handler.Handle(cmd.Context(), req)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), resp); err != nil {
					return err
				}
				if showMetrics {
					if err := writeMetrics(cmd.ErrOrStderr(), app); err != nil {
						return err
					}
				}
				if resp.Error != nil {
					return fmt.Errorf("%w: %s", ErrEnrollmentFailed, resp.Error.Code)
				}
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVar(&req.StudentID, "student", "", "student id")
	flags.StringVar(&req.CourseID, "course", "", "course id")
	flags.StringVar(&req.PaymentMethod, "method", "card", "payment method")
	flags.StringVar(&req.IdempotencyKey, "key", "", "idempotency key (generated when empty)")
	flags.BoolVar(&showMetrics, "metrics", false, "print Prometheus metrics to stderr")
	_ = cmd.MarkFlagRequired("student")
	_ = cmd.MarkFlagRequired("course")
	return cmd
}

// BatchSummary counts the outcomes of a batch.
type BatchSummary struct {
	Committed int `json:"committed"`
	Replayed  int `json:"replayed"`
	Failed    int `json:"failed"`
}

func newBatchCommand(opts *rootOptions) *cobra.Command {
	var (
		file        string
		concurrency int
		showMetrics bool
	)

	cmd := &cobra.Command{
		Use:   "batch",
		Short: "Run a JSON array of enrollment requests concurrently",
		RunE: func(cmd *cobra.Command, args []string) error {
			reqs, err := readRequests(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return opts.withApp(cmd.Context(), func(app *App) error {
				responses, err := runBatch(cmd.Context(), app.Handler, reqs, concurrency)
				if err != nil {
					return err
				}
				if err := writeJSON(cmd.OutOrStdout(), responses); err != nil {
					return err
				}
				if showMetrics {
					if err := writeMetrics(cmd.ErrOrStderr(), app); err != nil {
						return err
					}
				}
				summary := summarize(responses)
				logger.GetLogger().Info("batch finished",
					zap.Int("committed", summary.Committed),
					zap.Int("replayed", summary.Replayed),
					zap.Int("failed", summary.Failed),
					zap.Int("dead_letters", app.DeadLetters.Len()))
				return nil
			})
		},
	}

	flags := cmd.Flags()
	flags.StringVarP(&file, "file", "f", "-", "requests file, - for stdin")
	flags.IntVar(&concurrency, "concurrency", 8, "maximum sagas in flight")
	flags.BoolVar(&showMetrics, "metrics", false, "print Prometheus metrics to stderr")
	return cmd
}

func readRequests(stdin io.Reader, file string) ([]enrollment.Request, error) {
	r := stdin
	if file != "-" {
		f, err := os.Open(file)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var reqs []enrollment.Request
	if err := json.NewDecoder(r).Decode(&reqs); err != nil {
		return nil, fmt.Errorf("decode requests: %w", err)
	}
	for i := range reqs {
		if reqs[i].IdempotencyKey == "" {
			reqs[i].IdempotencyKey = uuid.NewString()
		}
	}
	return reqs, nil
}

// runBatch handles reqs with at most concurrency sagas in flight. Responses
// keep the order of reqs.
func runBatch(ctx context.Context, h *enrollment.Handler, reqs []enrollment.Request, concurrency int) ([]*enrollment.Response, error) {
	if concurrency <= 0 {
		return nil, fmt.Errorf("concurrency must be positive, got %d", concurrency)
	}

	responses := make([]*enrollment.Response, len(reqs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(concurrency)
	for i, req := range reqs {
		g.Go(func() error {
			resp, err := h.Handle(gctx, req)
			if err != nil {
				return fmt.Errorf("request %d: %w", i, err)
			}
			responses[i] = resp
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return responses, nil
}

func summarize(responses []*enrollment.Response) BatchSummary {
	var s BatchSummary
	for _, r := range responses {
		switch {
		case r.Error != nil:
			s.Failed++
		case r.Replayed:
			s.Replayed++
		default:
			s.Committed++
		}
	}
	return s
}

func newSeatsCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "seats",
		Short: "Show available seats of the configured courses",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				out := make(map[string]int64, len(opts.config.Capacity.Seats))
				for _, s := range opts.config.Capacity.Seats {
					n, err := app.Seats.Available(cmd.Context(), s.CourseID)
					if err != nil {
						return err
					}
					out[s.CourseID] = n
				}
				return writeJSON(cmd.OutOrStdout(), out)
			})
		},
	}
}

func newEnrollmentsCommand(opts *rootOptions) *cobra.Command {
	var studentID string

	cmd := &cobra.Command{
		Use:   "enrollments",
		Short: "List the enrollments of a student",
		RunE: func(cmd *cobra.Command, args []string) error {
			return opts.withApp(cmd.Context(), func(app *App) error {
				list, err := app.Enrollments.ListByStudent(cmd.Context(), studentID)
				if err != nil {
					return err
				}
				return writeJSON(cmd.OutOrStdout(), list)
			})
		},
	}
	cmd.Flags().StringVar(&studentID, "student", "", "student id")
	_ = cmd.MarkFlagRequired("student")
	return cmd
}

func newConfigCommand(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "config",
		Short: "Print the effective configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := *opts.config
			cfg.Redis.Password = mask(cfg.Redis.Password)
			cfg.Database.DSN = redactDSN(cfg.Database.DSN)

			out := cmd.OutOrStdout()
			for _, f := range opts.files {
				fmt.Fprintf(out, "# loaded %s\n", f)
			}
			enc := yaml.NewEncoder(out)
			enc.SetIndent(2)
			if err := enc.Encode(&cfg); err != nil {
				return err
			}
			return enc.Close()
		},
	}
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "enrollctl %s (commit %s, built %s)\n", version, gitCommit, buildTime)
		},
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func writeMetrics(w io.Writer, app *App) error {
	families, err := app.Registry.Gather()
	if err != nil {
		return err
	}
	for _, mf := range families {
		if _, err := expfmt.MetricFamilyToText(w, mf); err != nil {
			return err
		}
	}
	return nil
}

func mask(secret string) string {
	if secret == "" {
		return ""
	}
	return "******"
}

// redactDSN hides the password of a user:password@tcp(host)/db DSN.
func redactDSN(dsn string) string {
	creds, rest, ok := strings.Cut(dsn, "@")
	if !ok {
		return dsn
	}
	user, _, hasPassword := strings.Cut(creds, ":")
	if !hasPassword {
		return dsn
	}
	return user + ":" + mask("x") + "@" + rest
}
