// Package orchestrator drives one pull request validation run through its
// stages.
//
// # Stages
//
// Stages run one at a time, in a fixed order:
//
//	provision → clone → setup → build → test → quality → validation → review → teardown
//
// Each completed stage moves the run to the matching state (created,
// environment-provisioned, source-cloned, and so on up to torn-down).
//
// A failed provision or clone skips everything after it, since there is no
// source to work on. Build, test and quality failures are recorded and the
// later stages still run so the report is complete; the aggregator decides
// the verdict. Teardown always runs, from a deferred cleanup, with its own
// short budget. That includes panics in a stage and an expired run budget.
//
// # Progress
//
// The orchestrator owns a buffered channel of events.Event. Consumers read
// it through Events and hand it to events.Forward. Monitor snapshots are
// forwarded on the same channel and copied into the run log by the
// goroutine that calls Run, which is the only writer of the PipelineRun.
//
// # Usage
//
//	registry := shell.NewRegistry()
//	orch, err := orchestrator.New(orchestrator.Options{
//	    Provisioner: sandbox.NewLocalProvisioner(registry),
//	    Cloner:      source.NewGitCloner(logger),
//	    Runner:      shell.NewLocalRunner(registry),
//	    Registry:    registry,
//	    Logger:      logger,
//	})
//	go events.Forward(ctx, orch.Events(), logger, events.NewLogSink(logger))
//	run, err := orch.Run(ctx, orchestrator.Request{Definition: def, Ref: ref})
//	orch.Close()
package orchestrator
