// Package health runs one-shot readiness probes over the client's local
// dependencies.
//
// A critical probe guards something an attempt cannot complete without. A
// failing non-critical probe, or any probe with a fallback, degrades the
// report instead of failing it.
package health

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"
)

// Status is the outcome of a probe or a whole report.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// DefaultTimeout bounds a probe that sets no timeout.
const DefaultTimeout = 5 * time.Second

// Probe checks one dependency.
type Probe struct {
	Name     string
	Critical bool
	Timeout  time.Duration
	// Fallback, when set, describes what the client does instead if the
	// probe fails. Such a failure degrades rather than fails the report.
	Fallback string
	Run      func(ctx context.Context) error
}

// Result is the outcome of one probe.
type Result struct {
	Name   string        `json:"name"`
	Status Status        `json:"status"`
	Detail string        `json:"detail,omitempty"`
	Error  string        `json:"error,omitempty"`
	Took   time.Duration `json:"took_ns"`
}

// Report aggregates a probe run. Results keep the order probes were given.
type Report struct {
	Status    Status    `json:"status"`
	Results   []Result  `json:"results"`
	CheckedAt time.Time `json:"checked_at"`
}

// Run executes probes concurrently and aggregates them.
func Run(ctx context.Context, probes ...Probe) Report {
	results := make([]Result, len(probes))
	var wg sync.WaitGroup
	for i := range probes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = runProbe(ctx, probes[i])
		}(i)
	}
	wg.Wait()

	status := StatusHealthy
	for i, res := range results {
		switch {
		case res.Status == StatusUnhealthy && probes[i].Critical:
			status = StatusUnhealthy
		case res.Status != StatusHealthy && status == StatusHealthy:
			status = StatusDegraded
		}
	}
	return Report{Status: status, Results: results, CheckedAt: time.Now().UTC()}
}

func runProbe(ctx context.Context, p Probe) Result {
	timeout := p.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	pctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	errc := make(chan error, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				errc <- fmt.Errorf("probe panicked: %v", r)
			}
		}()
		errc <- p.Run(pctx)
	}()

	var err error
	select {
	case err = <-errc:
	case <-pctx.Done():
		err = fmt.Errorf("probe timed out: %w", pctx.Err())
	}

	res := Result{Name: p.Name, Status: StatusHealthy, Took: time.Since(start)}
	if err != nil {
		res.Status = StatusUnhealthy
		res.Error = err.Error()
		if p.Fallback != "" {
			res.Status = StatusDegraded
			res.Detail = p.Fallback
		}
	}
	return res
}

// Lookup returns the result for the named probe.
func (r Report) Lookup(name string) (Result, bool) {
	for _, res := range r.Results {
		if res.Name == name {
			return res, true
		}
	}
	return Result{}, false
}

// Failing lists the probes that came back unhealthy.
func (r Report) Failing() []string {
	var out []string
	for _, res := range r.Results {
		if res.Status == StatusUnhealthy {
			out = append(out, res.Name)
		}
	}
	return out
}

// DirWritable returns a probe body that creates and removes a file in dir.
func DirWritable(dir string) func(context.Context) error {
	return func(context.Context) error {
		info, err := os.Stat(dir)
		if err != nil {
			return err
		}
		if !info.IsDir() {
			return fmt.Errorf("%s: not a directory", dir)
		}
		f, err := os.CreateTemp(dir, ".probe-*")
		if err != nil {
			return err
		}
		name := f.Name()
		return errors.Join(f.Close(), os.Remove(name))
	}
}
