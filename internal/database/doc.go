// Package database manages the optional PostgreSQL store for price snapshots
// and portfolio updates.
//
// Tables are append-only:
//   - price_snapshots: one row per (symbol, last_update)
//   - portfolio_updates: raw portfolio payloads as JSONB
package database
