// Package protocol defines the control message vocabulary exchanged with the
// feed and the codec boundary that turns raw frames into Messages.
//
// The session core only ever handles decoded Messages. Venue adapters plug in
// by implementing Codec and PayloadDecoder; JSONCodec is the venue-agnostic
// implementation used by the websocket transport and the tests.
package protocol
