/*
Package brain is the node's decision layer: a persistent job queue, a policy
document gating what runs autonomously, an append-only event log, and the
router that executes jobs locally or hires a peer.

Jobs survive restarts; every queue mutation writes through to disk
atomically. The policy file deep-merges over compiled defaults, so an
operator overrides only the fields they care about. Spending never happens
unless the policy enables hiring AND the capability is allowlisted AND the
job's budget covers the price; memory writes additionally require either an
explicit approval step or a policy that waives it.

The event log answers "why did the node do that": each decision appends one
JSONL record with a source, action, and reason. Subscribers get a live feed
over a channel; slow subscribers miss events rather than block the node.
*/
package brain
