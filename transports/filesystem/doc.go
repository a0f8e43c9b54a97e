// Package filesystem implements a channel over four directories.
//
// Published messages are written to the outbox under a deterministic name
// {Environment}-{yyMMdd}-{last five alphanumerics of the correlation id}-{Event}{Extension}.
// Creation is exclusive: the message is written to a hidden temporary file which is then
// hard linked to its final name, so an existing artifact is never overwritten.
//
// Writers delivering to the inbox must use the same protocol, or write the file under
// a hidden name and rename it into place. A file is read only when its name ends with
// the configured extension and does not start with a dot. Processed files move to the
// archive directory, failed and unreadable ones to the error directory.
package filesystem
