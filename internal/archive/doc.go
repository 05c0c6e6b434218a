// Package archive unpacks source archives into a job's working directory.
//
// Supported containers are tar (plain, gzip, bzip2, xz, zstd) and zip; the
// format is detected from the file's leading bytes, never from its name.
//
// Every entry is resolved strictly inside the destination directory:
//   - absolute entry names are re-rooted under the destination
//   - names whose ".." segments climb above the destination are rejected
//   - symlink and hardlink targets must stay inside the destination
//   - entries are never written through a previously extracted symlink
//
// Extraction is cooperative: the caller's cancel check runs before each entry
// and a positive answer stops the walk with ErrCancelled. A partially populated
// destination is left behind for the caller's cleanup.
package archive
