// Package session is the public surface of the streaming core.
//
// A Session multiplexes any number of typed event streams over one feed
// connection. Streams for the same channel share a single wire subscription;
// each stream has its own bounded drop-oldest buffer and can be closed
// independently. The last stream closed on a channel unsubscribes it.
package session
