// Package model defines the shared data types of the collection and
// reconstruction pipeline.
//
// Conventions:
//   - Prices: integer cents in [1, 99]
//   - Timestamps: time.Time, stored as timestamptz (UTC)
//   - IDs: string tickers, uuid.UUID for collector-assigned row IDs
package model
