// Package language defines the contract between the sandbox manager and the
// interpreters that run scripts.
//
// A [Language] compiles source into a [Program]. A Program is instantiated
// once per script context with the host functions the context was granted
// and the context's governor; the resulting [Instance] runs entry points.
//
// # Values
//
// Values crossing the boundary are nil, bool, float64, string, []any and
// map[string]any, the same set host functions use.
package language

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/manifest"
)

// Language is an interpreter adapter.
type Language interface {
	// Name returns a unique identifier for this language (e.g. "lua").
	Name() string

	// Extensions returns the file extensions this language claims,
	// including the dot.
	Extensions() []string

	// Compile checks and compiles a script. Syntax errors are returned as
	// *CompileError.
	Compile(ctx context.Context, name string, src []byte) (Program, error)
}

// Program is a compiled script.
type Program interface {
	// Manifest returns the header the script declared.
	Manifest() *manifest.Manifest

	// Instantiate creates an isolated instance with exactly the given
	// bindings in scope and runs the script's top-level code under gov.
	// ctx must come from gov.Begin.
	Instantiate(ctx context.Context, bindings []hostfunc.Binding, gov *governor.Governor) (Instance, error)
}

// Instance is a running script. Instances are not safe for concurrent use;
// the manager serialises calls.
type Instance interface {
	// Has reports whether the script defines entry.
	Has(entry string) bool

	// Call runs entry. ctx must come from the governor's Begin. Errors are
	// the governor's *governor.AbortError, *RuntimeError, or the context's
	// own error when the caller cancelled.
	Call(ctx context.Context, entry string, args ...any) (any, error)

	// Close releases the interpreter.
	Close() error
}

// CompileError reports a script that could not be compiled, linked, or
// whose top-level code failed.
type CompileError struct {
	Script   string
	Message  string
	Line     int
	Column   int
	Location string
}

// NewCompileError builds a CompileError, deriving Location from the
// script name and position.
func NewCompileError(script, msg string, line, col int) *CompileError {
	loc := script
	if line > 0 {
		loc = fmt.Sprintf("%s:%d", script, line)
		if col > 0 {
			loc = fmt.Sprintf("%s:%d", loc, col)
		}
	}
	return &CompileError{Script: script, Message: msg, Line: line, Column: col, Location: loc}
}

func (e *CompileError) Error() string {
	if e.Location == "" {
		return "compile: " + e.Message
	}
	return fmt.Sprintf("compile %s: %s", e.Location, e.Message)
}

// RuntimeError is a script fault: an error raised by the script or by a
// host function it called.
type RuntimeError struct {
	Message   string
	Traceback string
	Cause     error
}

func (e *RuntimeError) Error() string {
	return e.Message
}

func (e *RuntimeError) Unwrap() error {
	return e.Cause
}

// ByName returns the language called name.
func ByName(langs []Language, name string) (Language, bool) {
	for _, l := range langs {
		if strings.EqualFold(l.Name(), name) {
			return l, true
		}
	}
	return nil, false
}

// ByExtension returns the language claiming the extension of filename.
func ByExtension(langs []Language, filename string) (Language, bool) {
	ext := strings.ToLower(filepath.Ext(filename))
	if ext == "" {
		return nil, false
	}
	for _, l := range langs {
		for _, e := range l.Extensions() {
			if e == ext {
				return l, true
			}
		}
	}
	return nil, false
}
