// Package database holds the PostgreSQL-backed widget and task stores.
// Every write publishes a mutation event to the feed so connected clients
// observe changes in commit order.
package database
