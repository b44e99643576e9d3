// Package market holds the last-known-value cache for streamed market data.
//
// The cache is written by the inbound router and read by any number of
// consumers. Reads never block on network activity.
package market
