// Package writer persists routed data to PostgreSQL in batches.
//
// Writers:
//   - PriceWriter: coalesced price snapshots (price_snapshots)
//   - PortfolioWriter: raw portfolio updates (portfolio_updates)
//
// Both implement router sinks, never block the router, and use append-only
// semantics (never update, only insert).
package writer
