// Package fetch downloads task resources over HTTP, optionally through
// a proxy endpoint, and classifies every failure into the task failure
// taxonomy so the retry engine never sees a raw transport error.
package fetch
