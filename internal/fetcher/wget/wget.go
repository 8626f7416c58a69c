// Package wget runs the external archiving fetcher for a planned batch and
// maps its exit status onto a fetch outcome.
package wget

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/archive-pipeline/internal/archive"
)

// Exit codes the fetcher may return without failing the batch.
const (
	ExitSuccess        = 0
	ExitNetworkFailure = 4
	ExitServerError    = 8
)

// Workspace-only files written by the fetcher.
const (
	LogFile    = "wget.log"
	OutputFile = "wget.tmp"
)

// ErrFatalExit is returned for any exit code outside the accepted set.
var ErrFatalExit = errors.New("fetcher exited with a fatal status")

// Config controls the fetcher invocation.
type Config struct {
	Binary        string
	LuaScript     string
	Cookies       string
	UserAgent     string
	ClientVersion string
	BindAddress   string
	Version       string
	Project       string
	Timeout       time.Duration
}

// Invocation is one fully built fetcher command.
type Invocation struct {
	Binary string
	Args   []string
	Env    []string
}

// Runner executes an invocation and returns its exit code. An error means
// the process could not be run at all.
type Runner interface {
	Run(ctx context.Context, inv Invocation) (int, error)
}

// Fetcher implements archive.Fetcher by shelling out.
type Fetcher struct {
	cfg    Config
	runner Runner
	logger *zap.Logger
}

// Option customizes a Fetcher.
type Option func(*Fetcher)

// WithRunner replaces the process runner.
func WithRunner(r Runner) Option {
	return func(f *Fetcher) {
		f.runner = r
	}
}

// New builds a Fetcher.
func New(cfg Config, logger *zap.Logger, opts ...Option) (*Fetcher, error) {
	if cfg.Binary == "" {
		return nil, errors.New("fetcher binary is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	f := &Fetcher{cfg: cfg, runner: execRunner{}, logger: logger}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Fetch runs the fetcher to completion. Exit 0 succeeds; 4 and 8 are
// accepted with the bad-items file left for reconciliation; anything else
// wraps ErrFatalExit.
func (f *Fetcher) Fetch(ctx context.Context, batch *archive.Batch, requests []archive.Request) (archive.FetchOutcome, error) {
	if len(requests) == 0 {
		return archive.FetchOutcome{Status: archive.FetchFatal, ExitCode: -1}, errors.New("no requests to fetch")
	}
	inv := f.Invocation(batch, requests)

	start := time.Now()
	code, err := f.runner.Run(ctx, inv)
	elapsed := time.Since(start)
	if err != nil {
		return archive.FetchOutcome{Status: archive.FetchFatal, ExitCode: -1, Duration: elapsed}, fmt.Errorf("run fetcher: %w", err)
	}

	outcome := archive.FetchOutcome{
		ExitCode:     code,
		BadItemsPath: batch.WorkFile(archive.BadItemsSuffix),
		Duration:     elapsed,
	}
	switch code {
	case ExitSuccess:
		outcome.Status = archive.FetchSucceeded
	case ExitNetworkFailure:
		outcome.Status = archive.FetchPartial
	case ExitServerError:
		outcome.Status = archive.FetchRecoverable
	default:
		outcome.Status = archive.FetchFatal
		return outcome, fmt.Errorf("%w: exit code %d", ErrFatalExit, code)
	}
	f.logger.Debug("fetcher exited",
		zap.String("batch", batch.Fingerprint),
		zap.Int("exit_code", code),
		zap.String("status", string(outcome.Status)),
		zap.Duration("duration", elapsed),
	)
	return outcome, nil
}

// Invocation builds the command line and environment for a batch.
func (f *Fetcher) Invocation(batch *archive.Batch, requests []archive.Request) Invocation {
	args := []string{
		"-U", f.cfg.UserAgent,
		"-nv",
		"--content-on-error",
	}
	if f.cfg.Cookies != "" {
		args = append(args, "--load-cookies", f.cfg.Cookies)
	}
	if f.cfg.LuaScript != "" {
		args = append(args, "--lua-script", f.cfg.LuaScript)
	}
	args = append(args,
		"-o", filepath.Join(batch.WorkDir, LogFile),
		"--no-check-certificate",
		"--output-document", filepath.Join(batch.WorkDir, OutputFile),
		"--truncate-output",
		"--method", "POST",
		"-e", "robots=off",
		"--rotate-dns",
		"--recursive", "--level=inf",
		"--no-parent",
		"--page-requisites",
		"--timeout", strconv.Itoa(int(f.cfg.Timeout/time.Second)),
		"--tries", "inf",
		"--domains", "youtube.com",
		"--span-hosts",
		"--waitretry", "30",
		"--warc-file", filepath.Join(batch.WorkDir, batch.ArtifactBase),
		"--warc-header", "operator: Archive Team",
		"--warc-header", "x-wget-at-project-version: "+f.cfg.Version,
		"--warc-header", "x-wget-at-project-name: "+f.cfg.Project,
		"--warc-dedup-url-agnostic",
	)

	// Request headers are identical across a batch; send the first request's.
	for _, h := range requests[0].Headers {
		args = append(args, "--header", h.Name+": "+h.Value)
	}
	args = append(args, "--header", "Accept-Language: en-US;q=0.9, en;q=0.8")

	for _, req := range requests {
		for _, h := range req.WARCHeaders {
			args = append(args, "--warc-header", h.Name+": "+h.Value)
		}
		args = append(args, "item-name://"+req.ItemName, req.URL)
	}

	if f.cfg.BindAddress != "" {
		args = append(args, "--bind-address", f.cfg.BindAddress)
	}

	env := append(os.Environ(),
		"item_dir="+batch.WorkDir,
		"warc_file_base="+batch.ArtifactBase,
	)
	return Invocation{Binary: f.cfg.Binary, Args: args, Env: env}
}

type execRunner struct{}

// Run starts the process detached from ctx and waits for it to exit.
func (execRunner) Run(_ context.Context, inv Invocation) (int, error) {
	cmd := exec.Command(inv.Binary, inv.Args...) // #nosec G204 -- binary and arguments come from operator configuration and the plan.
	cmd.Env = inv.Env
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, err
}
