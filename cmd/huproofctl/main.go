// huproofctl enrolls and logs in with keystroke dynamics against a huproof
// backend, replaying recorded keystrokes from JSON files.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"huproof/internal/api"
	"huproof/internal/calibration"
	"huproof/internal/config"
	"huproof/internal/field"
	"huproof/internal/keystroke"
	"huproof/internal/logging"
	"huproof/internal/metrics"
	"huproof/internal/protocol"
	"huproof/internal/prover"
	"huproof/internal/store"
)

const (
	exitOK    = 0
	exitError = 1
	exitUsage = 2
)

var errUsage = errors.New("usage")

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

// run executes one command and returns the process exit code.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	fs := flag.NewFlagSet("huproofctl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	configPath := fs.String("config", "", "path to config file")
	fs.Usage = func() { usage(stderr) }
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}
	if fs.NArg() < 1 {
		usage(stderr)
		return exitUsage
	}

	cmd, rest := fs.Arg(0), fs.Args()[1:]
	a := &app{configPath: *configPath, stdout: stdout, stderr: stderr}

	var err error
	switch cmd {
	case "enroll":
		err = a.cmdEnroll(ctx, rest)
	case "login":
		err = a.cmdLogin(ctx, rest)
	case "logout":
		err = a.cmdLogout(ctx, rest)
	case "features":
		err = a.cmdFeatures(rest)
	case "calibrate":
		err = a.cmdCalibrate(rest)
	case "users":
		err = a.cmdUsers(ctx)
	case "doctor":
		err = a.cmdDoctor(ctx)
	case "init":
		err = a.cmdInit(rest)
	case "help":
		usage(stdout)
		return exitOK
	default:
		fmt.Fprintf(stderr, "Unknown command: %s\n", cmd)
		usage(stderr)
		return exitUsage
	}

	if cerr := a.close(); cerr != nil && err == nil {
		err = cerr
	}
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, errUsage), errors.Is(err, flag.ErrHelp):
		return exitUsage
	default:
		fmt.Fprintf(stderr, "Error: %v\n", err)
		return exitError
	}
}

func usage(w io.Writer) {
	fmt.Fprintln(w, `huproofctl - keystroke-dynamics authentication client

Usage: huproofctl [options] <command> [args]

Commands:
  enroll -events rec.json [-extra a.json,b.json]
                  Enroll by replaying a recording; prints the user id
  login -user ID -events rec.json
                  Log in by replaying a recording; prints the session token
  logout -token TOKEN
                  Revoke a session token
  features -challenge TEXT -events rec.json [-n 64]
                  Print the feature vector of a recording
  calibrate -challenge TEXT rec1.json rec2.json ...
                  Print the averaged template, adaptive tau and quality
  users           List users enrolled on this device
  doctor          Check the prover, template store and audit log
  init [path]     Write a default config file
  help            Show this help message

Options:
  -config <path>  Path to config file`)
}

// app holds what a command opened so run can close it.
type app struct {
	configPath string
	stdout     io.Writer
	stderr     io.Writer

	cfg      *config.Config
	logger   *logging.Logger
	registry *prometheus.Registry
	metrics  *metrics.Metrics
	audit    *logging.AuditLogger
	store    *store.Store
}

func (a *app) loadConfig() error {
	path := a.configPath
	if path == "" {
		if path = config.FindConfigFile(); path == "" {
			path = config.ConfigPath()
		}
	}
	loader := config.NewLoader(path)
	cfg, err := loader.Load()
	if err != nil {
		return fmt.Errorf("load config %s: %w", path, err)
	}
	for _, w := range loader.Warnings() {
		fmt.Fprintf(a.stderr, "Warning: %v\n", &w)
	}

	lc := cfg.LoggerConfig()
	if lc.Output != "file" && lc.Output != "both" {
		lc.Writer = a.stderr
	}
	logger, err := logging.New(lc)
	if err != nil {
		return fmt.Errorf("setup logging: %w", err)
	}

	a.cfg = cfg
	a.logger = logger
	a.registry, a.metrics = metrics.NewRegistry()
	return nil
}

func (a *app) featureOptions() keystroke.Options {
	if a.cfg == nil {
		return keystroke.DefaultOptions()
	}
	return keystroke.Options{
		Length: a.cfg.Features.Length,
		Bits:   a.cfg.Features.Bits,
		MaxMs:  a.cfg.Features.MaxMs,
	}
}

func (a *app) openStore() (*store.Store, error) {
	if err := a.cfg.EnsureDirectories(); err != nil {
		return nil, err
	}
	st, err := store.OpenWithSecret(a.cfg.Storage.Path, a.cfg.Storage.SecretPath)
	if err != nil {
		return nil, err
	}
	a.store = st
	return st, nil
}

// protocolClient wires the backend client, prover, store, and hash from
// the loaded config.
func (a *app) protocolClient() (*protocol.Client, error) {
	if err := a.loadConfig(); err != nil {
		return nil, err
	}
	cfg := a.cfg

	h, err := field.ByName(cfg.Hash.Name)
	if err != nil {
		return nil, err
	}
	st, err := a.openStore()
	if err != nil {
		return nil, err
	}
	if cfg.Storage.AuditPath != "" {
		if a.audit, err = logging.NewAuditLogger(cfg.Storage.AuditPath); err != nil {
			return nil, err
		}
	}

	issuer, err := a.apiClient()
	if err != nil {
		return nil, err
	}

	p := prover.NewSnarkjs(cfg.Prover.Snarkjs, cfg.Prover.WasmPath, cfg.Prover.ZkeyPath)
	p.Logger = a.logger

	return protocol.NewClient(issuer, p, st, h, protocol.Options{
		Features: a.featureOptions(),
		Calibration: calibration.Params{
			BaseTau:    cfg.Calibration.BaseTau,
			Multiplier: cfg.Calibration.Multiplier,
		},
		AllowPlaceholderProof: cfg.Prover.BypassZKVerify,
		ProofTimeout:          cfg.ProverTimeout(),
		Logger:                a.logger,
		Metrics:               a.metrics,
		Audit:                 a.audit,
	})
}

func (a *app) apiClient() (*api.Client, error) {
	cfg := a.cfg
	return api.New(api.Options{
		BaseURL:           cfg.Server.URL,
		Origin:            cfg.OriginHeader(),
		Timeout:           cfg.ServerTimeout(),
		EnrollStartPerMin: cfg.Server.EnrollStartPerMin,
		LoginStartPerMin:  cfg.Server.LoginStartPerMin,
		FinishPerMin:      cfg.Server.FinishPerMin,
		Logger:            a.logger,
		Metrics:           a.metrics,
	})
}

// close flushes metrics and releases everything the command opened.
func (a *app) close() error {
	var errs []error
	if a.cfg != nil && a.registry != nil {
		errs = append(errs, metrics.WriteTextfile(a.registry, a.cfg.Metrics.TextfilePath))
	}
	if a.store != nil {
		errs = append(errs, a.store.Close())
	}
	if a.audit != nil {
		errs = append(errs, a.audit.Close())
	}
	if a.logger != nil {
		errs = append(errs, a.logger.Close())
	}
	return errors.Join(errs...)
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
