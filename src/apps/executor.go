// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

package apps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"continuumops/src/fault"
)

// Executor runs the steps of an invocation in order on the host backend,
// or on the container backend when the invocation names an image.
type Executor struct {
	host      Backend
	container Backend
	logger    *slog.Logger
}

// NewExecutor accepts a nil container backend; invocations with an image
// then fail with ErrSpawnFailed.
func NewExecutor(host Backend, container Backend, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{host: host, container: container, logger: logger}
}

// Spawn runs inv to completion. A non-zero exit aborts the remaining steps
// unless the step tolerates it. Cancelling ctx terminates the running child
// and yields ErrKilled; exceeding inv.Timeout yields ErrTimeout.
func (e *Executor) Spawn(ctx context.Context, inv Invocation, obs Observer) (res Result, err error) {
	defer e.removeGenerated(inv.Generated)

	backend := e.host
	if inv.Image != "" {
		if e.container == nil {
			return res, fault.Config("spawn", fmt.Errorf("%w: container backend is not configured", ErrSpawnFailed))
		}
		backend = e.container
	}

	runCtx := ctx
	if inv.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, inv.Timeout)
		defer cancel()
	}

	start := time.Now()
	defer func() { res.Duration = time.Since(start) }()

	for _, note := range inv.Notes {
		obs.Line(note)
	}

	for _, step := range inv.Steps {
		if step.SkipOnNoChanges && res.NoChanges {
			obs.Line("Plan has no changes, skipping " + step.Name + ".")
			continue
		}
		if ctx.Err() != nil {
			return res, fault.Cancelled(step.Name, ErrKilled)
		}

		res.FinalStage = step.Name
		obs.StepStarted(step)
		obs.Line("$ " + strings.Join(step.Argv, " "))

		code, runErr := backend.Run(runCtx, Command{
			Argv:  step.Argv,
			Dir:   inv.Dir,
			Env:   inv.Env,
			Image: inv.Image,
		}, func(line string) {
			if strings.Contains(line, noChangesToken) {
				res.NoChanges = true
			}
			obs.Line(line)
		}, obs.ChildStarted)
		res.ExitCode = code

		if runErr != nil {
			switch {
			case ctx.Err() != nil:
				return res, fault.Cancelled(step.Name, ErrKilled)
			case errors.Is(runCtx.Err(), context.DeadlineExceeded):
				obs.Line(fmt.Sprintf("%s timed out after %s", step.Name, inv.Timeout))
				return res, fault.New(fault.KindChildExit, step.Name, ErrTimeout)
			}
			return res, runErr
		}

		if code != 0 {
			if step.Tolerate {
				obs.Line(fmt.Sprintf("%s exited with exit code %d, continuing", step.Name, code))
				res.ExitCode = 0
				continue
			}
			return res, fault.New(fault.KindChildExit, step.Name, &ExitError{Step: step.Name, Code: code})
		}
		if step.After != nil {
			if err := step.After(); err != nil {
				e.logger.Warn("post-step hook failed", slog.String("step", step.Name), slog.String("error", err.Error()))
			}
		}
	}
	return res, nil
}

func (e *Executor) removeGenerated(paths []string) {
	for _, p := range paths {
		if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
			e.logger.Warn("cannot remove generated file", slog.String("path", p), slog.String("error", err.Error()))
		}
	}
}
