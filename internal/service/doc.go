// Package service runs sync jobs through external tools.
//
// Overview
// The Scheduler owns the run/stop state and the live process of every
// execution slot. Start snapshots the enabled jobs and spawns one cycle loop
// which runs them one after another, then sleeps the interval. RunSingle runs
// one job in its own ad-hoc slot, concurrently with the cycle or without it.
//
// JobRunner runs one job: it builds the command, starts it through Runner,
// registers the process in the slot, classifies the exit code by the tool
// convention and reports every transition through report.Reporter.
//
// Runner is a thin wrapper around os/exec:
//   - starts the process in a new process group
//   - forwards stdout and stderr line by line while the process runs
//   - kills the whole group when the context ends or Terminate is called
//
// Data flow:
//
//	Scheduler              JobRunner               Runner
//	    |                      |                      |
//	start -> loop ------------>| RunOne() ----------->| Start()
//	    |<---- Register -------|                      | os/exec.Start
//	    |                      |<------ lines --------| stdout/stderr
//	    |                      |<------ Result -------| Wait()
//	    |<---- Release --------|                      |
//	    |                      | -> report.Reporter   |
//
// Invariants:
//   - At most one cycle loop at a time.
//   - Jobs of one cycle never run in parallel.
//   - At most one live process per slot, stop kills the process of the cycle slot.
//   - Failures are reported, the loop stops only on Stop.
package service
