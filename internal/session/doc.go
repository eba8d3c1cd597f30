// Package session implements conversations and the agentic loop that
// drives them: session CRUD, message and part persistence, and the turn
// processor that turns one model stream into persisted state.
//
// # Architecture Overview
//
// The package is built around a few cooperating pieces:
//
//   - Service: session/message/part CRUD over the storage layer, plus
//     the prompt entry point. It implements the Store contract the turn
//     processor writes through.
//   - runner: one turn's event source. It alternates provider round
//     trips with local tool execution and frames the whole exchange as
//     a single stream of start/step/tool/finish events.
//   - turn: the processor. It consumes the runner's events and owns
//     everything stateful about one assistant message: the flush
//     buffer, the tool ledger, the idle watchdog and the retry policy.
//   - Agent: a resolved behavior profile (prompt, sampling parameters,
//     tool filter, permission policy) loaded from built-ins, config and
//     markdown files.
//
// # Prompt Flow
//
//	msg, err := svc.Prompt(ctx, sessionID, session.Input{Text: "fix the test"})
//
// Prompt claims the session (queueing behind a running prompt), persists
// the user message, then spins turns until one ends the exchange:
//
//   - continue: the model finished normally; the prompt returns. A turn
//     that stopped at the runner's step ceiling while the model still
//     wanted tools gets a fresh turn instead.
//   - compact: accumulated usage no longer fits the model's context
//     window. The service summarizes the live history into a summary
//     message and continues from there.
//   - stop: a permission rejection or message error ended the exchange.
//
// Abort cancels the active prompt's context; the turn finalizes the
// message (aborted error, orphaned tool parts swept) before returning.
//
// # Turn Processing
//
// While a turn runs, text and reasoning deltas accumulate in a flush
// buffer that persists and broadcasts at most once per flush interval.
// Tool calls move through a ledger (pending, running, completed or
// error) keyed by provider call ID; duplicate or out-of-order lifecycle
// events are dropped. An idle watchdog restarts the stream when the
// provider goes quiet, with a longer allowance while tool arguments are
// buffering upstream. Transient provider failures retry with backoff;
// each retry is published as a session status so clients can show
// progress.
//
// # Storage Layout
//
// Sessions and messages persist under hierarchical keys:
//
//	session/{projectID}/{sessionID}
//	message/{sessionID}/{messageID}
//	part/{messageID}/{partID}
//	todo/{sessionID}
//
// IDs are ULIDs, so scan order is creation order.
//
// # Events
//
// State changes are broadcast on the global bus: session lifecycle
// (created/updated/deleted), per-part streaming updates carrying the
// appended delta, session status (busy/retry/idle), compaction and
// error events. The HTTP layer bridges these to SSE.
package session
