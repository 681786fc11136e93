// Package app provides the application service layer.
//
// Orchestrates use cases: connection lifecycle, subscriptions, and widget
// actions. Sits between the transport and the repositories. Depends on
// domain interfaces, not concrete implementations.
package app
