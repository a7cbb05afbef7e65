package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"huproof/internal/calibration"
	"huproof/internal/config"
	"huproof/internal/health"
	"huproof/internal/keystroke"
	"huproof/internal/protocol"
	"huproof/internal/prover"
)

func (a *app) flags(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(a.stderr)
	return fs
}

func (a *app) cmdEnroll(ctx context.Context, args []string) error {
	fs := a.flags("enroll")
	eventsPath := fs.String("events", "", "recording to replay (JSON array of key events)")
	extraPaths := fs.String("extra", "", "comma-separated extra recordings averaged into the template")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *eventsPath == "" {
		fmt.Fprintln(a.stderr, "Usage: huproofctl enroll -events rec.json [-extra a.json,b.json]")
		return errUsage
	}

	events, err := readRecording(*eventsPath)
	if err != nil {
		return err
	}
	var extraEvents [][]keystroke.Event
	for _, p := range splitList(*extraPaths) {
		evs, err := readRecording(p)
		if err != nil {
			return err
		}
		extraEvents = append(extraEvents, evs)
	}

	client, err := a.protocolClient()
	if err != nil {
		return err
	}

	sess, err := client.RequestEnrollment(ctx, protocol.NewSession())
	if err != nil {
		return err
	}
	sess, err = client.BeginCapture(sess, keystroke.NewRecorder())
	if err != nil {
		return err
	}
	keystroke.Replay(sess.Capture, events)

	extra := make([]keystroke.FeatureVector, 0, len(extraEvents))
	for _, evs := range extraEvents {
		extra = append(extra, keystroke.ExtractWithOptions(sess.Challenge.Challenge, evs, a.featureOptions()))
	}

	sess, res, err := client.CompleteEnrollment(ctx, sess, extra...)
	if err != nil {
		if !sess.State.Terminal() {
			client.Cancel(sess)
		}
		return err
	}

	if res.PlaceholderProof {
		fmt.Fprintln(a.stderr, "Warning: proof generation failed; enrolled with a placeholder proof")
	}
	if res.Calibration != nil {
		fmt.Fprintf(a.stderr, "Calibration: %d samples, advisory tau %d, consistency %.3f\n",
			res.Calibration.Samples, res.Calibration.Tau, res.Calibration.Quality.ConsistencyScore)
	}
	fmt.Fprintln(a.stdout, res.UserID)
	return nil
}

func (a *app) cmdLogin(ctx context.Context, args []string) error {
	fs := a.flags("login")
	userID := fs.String("user", "", "user id returned by enroll")
	eventsPath := fs.String("events", "", "recording to replay (JSON array of key events)")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *userID == "" || *eventsPath == "" {
		fmt.Fprintln(a.stderr, "Usage: huproofctl login -user ID -events rec.json")
		return errUsage
	}

	events, err := readRecording(*eventsPath)
	if err != nil {
		return err
	}
	client, err := a.protocolClient()
	if err != nil {
		return err
	}

	sess, err := client.RequestLogin(ctx, protocol.NewSession(), *userID)
	if err != nil {
		return err
	}
	sess, err = client.BeginCapture(sess, keystroke.NewRecorder())
	if err != nil {
		return err
	}
	keystroke.Replay(sess.Capture, events)

	sess, res, err := client.CompleteLogin(ctx, sess)
	if err != nil {
		if !sess.State.Terminal() {
			client.Cancel(sess)
		}
		return err
	}
	if res.PlaceholderProof {
		fmt.Fprintln(a.stderr, "Warning: proof generation failed; logged in with a placeholder proof")
	}
	a.logger.Debug("login accepted", "distance", res.Distance, "tau", res.Tau)
	fmt.Fprintln(a.stdout, res.Token)
	return nil
}

func (a *app) cmdLogout(ctx context.Context, args []string) error {
	fs := a.flags("logout")
	token := fs.String("token", "", "session token returned by login")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *token == "" {
		fmt.Fprintln(a.stderr, "Usage: huproofctl logout -token TOKEN")
		return errUsage
	}

	client, err := a.protocolClient()
	if err != nil {
		return err
	}
	if err := client.Logout(ctx, *token); err != nil {
		return err
	}
	fmt.Fprintln(a.stdout, "Logged out")
	return nil
}

func (a *app) cmdFeatures(args []string) error {
	fs := a.flags("features")
	challenge := fs.String("challenge", "", "challenge text the recording types")
	eventsPath := fs.String("events", "", "recording (JSON array of key events)")
	n := fs.Int("n", keystroke.DefaultLength, "feature vector length")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *challenge == "" || *eventsPath == "" || *n < 1 {
		fmt.Fprintln(a.stderr, "Usage: huproofctl features -challenge TEXT -events rec.json [-n 64]")
		return errUsage
	}

	events, err := readRecording(*eventsPath)
	if err != nil {
		return err
	}
	opts := keystroke.DefaultOptions()
	opts.Length = *n
	return a.printJSON(keystroke.ExtractWithOptions(*challenge, events, opts))
}

func (a *app) cmdCalibrate(args []string) error {
	fs := a.flags("calibrate")
	challenge := fs.String("challenge", "", "challenge text the recordings type")
	n := fs.Int("n", keystroke.DefaultLength, "feature vector length")
	baseTau := fs.Int("base-tau", calibration.DefaultBaseTau, "minimum tau")
	multiplier := fs.Float64("multiplier", calibration.DefaultMultiplier, "standard deviations above the mean distance")
	if err := fs.Parse(args); err != nil {
		return errUsage
	}
	if *challenge == "" || fs.NArg() < 1 || *n < 1 {
		fmt.Fprintln(a.stderr, "Usage: huproofctl calibrate -challenge TEXT rec1.json rec2.json ...")
		return errUsage
	}

	opts := keystroke.DefaultOptions()
	opts.Length = *n
	samples := make([][]uint32, 0, fs.NArg())
	for _, p := range fs.Args() {
		events, err := readRecording(p)
		if err != nil {
			return err
		}
		samples = append(samples, keystroke.ExtractWithOptions(*challenge, events, opts))
	}

	res, err := calibration.Calibrate(samples, calibration.Params{BaseTau: *baseTau, Multiplier: *multiplier})
	if err != nil {
		return err
	}
	return a.printJSON(res)
}

func (a *app) cmdUsers(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	st, err := a.openStore()
	if err != nil {
		return err
	}
	users, err := st.Users(ctx)
	if err != nil {
		return err
	}
	for _, u := range users {
		fmt.Fprintln(a.stdout, u)
	}
	return nil
}

func (a *app) cmdDoctor(ctx context.Context) error {
	if err := a.loadConfig(); err != nil {
		return err
	}
	cfg := a.cfg
	if err := cfg.EnsureDirectories(); err != nil {
		return err
	}

	p := prover.NewSnarkjs(cfg.Prover.Snarkjs, cfg.Prover.WasmPath, cfg.Prover.ZkeyPath)
	probes := []health.Probe{
		{
			Name:     "prover",
			Critical: true,
			Run:      func(context.Context) error { return p.Check() },
		},
		{
			Name:     "store",
			Critical: true,
			Run: func(ctx context.Context) error {
				st, err := a.openStore()
				if err != nil {
					return err
				}
				return st.Ping(ctx)
			},
		},
	}
	if cfg.Prover.BypassZKVerify {
		probes[0].Fallback = "prover unavailable; placeholder proofs will be submitted"
	}
	if cfg.Storage.AuditPath != "" {
		probes = append(probes, health.Probe{
			Name: "audit",
			Run:  health.DirWritable(filepath.Dir(cfg.Storage.AuditPath)),
		})
	}

	rep := health.Run(ctx, probes...)
	if err := a.printJSON(rep); err != nil {
		return err
	}
	if rep.Status == health.StatusUnhealthy {
		return fmt.Errorf("unhealthy: %s", strings.Join(rep.Failing(), ", "))
	}
	return nil
}

func (a *app) cmdInit(args []string) error {
	path := a.configPath
	if len(args) > 0 {
		path = args[0]
	}
	if path == "" {
		path = config.ConfigPath()
	}
	if _, err := os.Stat(path); err == nil {
		return fmt.Errorf("config already exists: %s", path)
	}
	if err := config.Save(config.DefaultConfig(), path); err != nil {
		return err
	}
	fmt.Fprintf(a.stdout, "Wrote %s\n", path)
	return nil
}

func (a *app) printJSON(v any) error {
	enc := json.NewEncoder(a.stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readRecording(path string) ([]keystroke.Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open recording: %w", err)
	}
	defer f.Close()
	events, err := keystroke.LoadRecording(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return events, nil
}
