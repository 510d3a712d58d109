// Package ir provides the value and entity types shared by every marketsync
// package.
//
// This package contains type definitions and pure functions only. All other
// internal packages import ir; ir imports nothing internal.
//
// Key design constraints:
//   - NO float types anywhere - amounts travel as int64 minor units
//   - An Entity is an IRObject with a non-empty string "id" field
//   - A Patch maps absent keys to "unchanged" and IRNull to "clear"
//   - Temp ids carry TempIDPrefix and are never sent to the remote authority
//   - All JSON tags use snake_case
package ir
