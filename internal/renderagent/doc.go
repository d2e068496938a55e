// Package renderagent runs on a render node and executes the blocks the hub
// hands it.
//
// The agent registers under its identity, heartbeats, and follows every
// render-state message: a start begins rendering the named block through a
// Renderer, a stop cancels it. Progress and console lines go back to the hub
// while connected and are dropped otherwise. Completions are kept until a
// session accepts them.
//
// Lost connections are retried with supervisor.Backoff (1s doubling to 30s,
// ten attempts). Registration resets the count; exhausting it ends Run with
// supervisor.ErrGaveUp.
package renderagent
