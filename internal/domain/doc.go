// Package domain holds the core model types, repository interfaces, and
// sentinel errors shared by all components. It has no dependencies on
// transport or storage packages.
package domain
