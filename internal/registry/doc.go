// Package registry tracks which channels are subscribed and which consumers
// are attached to each.
//
// Readers on the delivery path load an immutable snapshot through an atomic
// pointer and never wait on writers. Attach and Detach copy the affected
// entries under a short mutex and publish a new snapshot.
package registry
