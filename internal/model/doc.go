// Package model defines shared data types used across the streaming session.
//
// Conventions:
//   - Prices, sizes and balances: decimal.Decimal (never float64)
//   - Timestamps: time.Time in UTC, converted from venue milliseconds at decode time
//   - Channels: ChannelID{Kind, Instrument, Mode}, rendered on the wire as "{kind}-{instrument}[#mode]"
package model
