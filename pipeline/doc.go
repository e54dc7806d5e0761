// Package pipeline runs an ordered list of model stages as one streamed
// session operation.
//
// Each Stage describes where its instruction text comes from and how its
// input is built from the initial input plus the outputs of earlier stages.
// The Orchestrator holds the session guard for the whole run, executes the
// stages strictly in order through an Executor (normally engine.Dispatcher)
// and reports progress as core.StageStartedEvent and core.StageCompletedEvent
// around the forwarded token stream.
//
// A failing stage ends the run with a core.ErrorEvent wrapping a
// *core.StageFailureError that carries the outputs of the stages that did
// complete. Later stages are never started.
package pipeline
