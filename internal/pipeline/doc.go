// Package pipeline runs install jobs: extract → configure → build → install →
// cleanup.
//
// An Installer accepts at most one job at a time. Each accepted job runs on
// its own goroutine and walks the state machine
//
//	Idle → Extracting → (Configuring) → Building → Installing → CleaningUp → Succeeded
//
// Any failure, or a cancellation observed at a checkpoint, jumps straight to
// CleaningUp and then Failed or Cancelled. Checkpoints sit before extraction,
// between archive entries, before configure, before build and before install.
// A build tool that is already running is always allowed to finish.
//
// Progress markers are coarse phase fractions: 0.25 extract, 0.5 configure,
// 0.75 build, 0.9 install, 1.0 done.
//
// Requests that cannot start (no archive, missing archive, digest mismatch, a
// job already running) are rejected synchronously with a *RequestError and
// reported through the observer's OnFatalError; nothing is allocated for them.
package pipeline
