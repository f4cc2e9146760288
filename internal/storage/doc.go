package storage

// Package storage provides a minimal persistence layer for the runtime.
//
// It currently supports:
//   - Audit journal appends (lifecycle transitions, cascade decisions,
//     health flips)
//   - Reading back the most recent entries for operator diagnostics
