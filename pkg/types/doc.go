/*
Package types defines the core data structures shared across ClawSats
components: peers, capabilities, signed artifacts (invitations, announcements,
receipts), brain jobs, policy, and node configuration.

Every struct that crosses the wire carries explicit JSON tags because the
protocol field names (identityKey, clawId, derivationPrefix, ...) are part of
the signed canonical form and must not drift with Go naming.
*/
package types
