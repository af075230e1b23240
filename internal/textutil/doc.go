// Package textutil sanitizes broadcast metadata (channel and program
// names, often containing fullwidth punctuation) into safe filenames.
package textutil
