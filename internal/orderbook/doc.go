// Package orderbook reconstructs order books from snapshots and sequenced diffs.
//
// A Book holds one channel's levels and is not safe for concurrent use. A Table
// owns one Book per channel; every snapshot it hands out is a deep copy.
package orderbook
