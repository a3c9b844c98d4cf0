// Package storage persists watch definitions so active watches survive a
// process restart. Two drivers: "sqlite" (default) and a dependency-free
// "file" backend. Both auto-create their backing store on first open.
package storage
