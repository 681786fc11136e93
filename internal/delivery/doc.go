// Package delivery pushes serialized messages to individual connections
// and reaps connections whose transport is permanently gone.
package delivery
