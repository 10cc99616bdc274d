// Package assignment implements the conversation assignment state machine.
//
// # Transitions
//
//   - Assign: supervisors and admins assign or reassign freely; agents may
//     only self-claim a queued conversation.
//   - AutoAssign: routes a queued conversation to the least-loaded online
//     agent, ties broken by least-recently-assigned.
//   - Release: returns an assigned conversation to the queue.
//   - Close: terminal; clears the assignee.
//
// # Races
//
// Competing transitions for the same conversation are serialized by the
// per-conversation lock inside the chat store, so exactly one claimant wins.
// The loser of a claim race observes the conversation as already assigned
// and receives ErrForbidden; an auto-assign that loses receives ErrConflict.
package assignment
