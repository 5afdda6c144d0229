// Package runwire provides durable tracking and live broadcast of
// workflow execution state. It persists every workflow and its steps,
// enforces forward-only state transitions through a single serialized
// writer, records each accepted transition in an append-only per-workflow
// event log, and fans events out to any number of connected observers
// with replay and gap-free catch-up.
//
// Runwire is designed as a library, not a service. Import it, configure
// a store, and drive it from your own command surface:
//
//	st := memory.New()
//	bus := event.NewBus()
//	eng := engine.New(st, bus)
//
//	wf, err := eng.Create(ctx, workflow.Plan{Steps: []workflow.StepSpec{
//	    {Name: "fetch"},
//	    {Name: "transform"},
//	}})
//
// # Architecture
//
// Runwire follows a composable store pattern: the workflow package defines
// the persistence contract, and a backend (memory, sqlite, postgres)
// implements it. The engine package is the sole writer and serializes
// transitions per workflow. The event package carries committed transitions
// to in-process subscribers, and the stream package bridges the durable
// event log with the live bus so observers never miss or double-see an
// event. The wire package exposes the stream over a framed socket protocol.
//
// All workflow IDs use TypeID — type-prefixed, K-sortable, UUIDv7-based
// identifiers.
package runwire
