// Package model defines shared data types used across the order-sync core.
//
// Conventions:
//   - IDs: strings as issued by the marketplace REST API
//   - Prices: shopspring/decimal values, nil when not yet agreed
//   - Timestamps: time.Time in UTC
//   - Room names: user_<userId> and chat_<orderId>
package model
