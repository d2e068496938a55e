// Package dedupe remembers the results of recently seen request IDs so a
// retried observer command is acknowledged again instead of being applied twice.
package dedupe
