// Package model defines shared data types used across the market streamer.
//
// Conventions:
//   - Prices: shopspring decimal values, never float64
//   - Symbols: upper-case tickers (e.g. "AAPL")
//   - Timestamps: time.Time in UTC
package model
