// Package grid implements the row/column index space that scheduling
// decisions are made over: axis identifiers, fixed-size boolean matrices
// addressed by those identifiers, output frequencies, and the dilation
// primitive that expands a selection to cover low-frequency outputs.
package grid
