// Package render turns agent markdown into text for a terminal.
package render
