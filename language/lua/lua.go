// Package lua provides the Lua language adapter, built on gopher-lua.
//
// Each script context gets its own LState with only the base, table,
// string, math and coroutine libraries. Loaders, reflection helpers and
// metatable access are removed. Granted host functions are installed as
// fields of global namespace tables ("entity.move" becomes entity.move).
//
// gopher-lua has no allocator hook, so memory is governed from outside:
// builtins that build strings charge their result as they build it, the
// interpreter's heap growth is sampled while an invocation runs, and the
// state a script keeps between invocations is re-measured once enough
// growth has built up.
package lua

import (
	"bytes"
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
	"github.com/caffeineduck/moonguard/manifest"
)

//go:embed prelude.lua
var prelude string

// Version is published to scripts as moonguard.version.
const Version = "0.3.0"

const (
	// DefaultCallStackSize is used when the governor sets no depth ceiling.
	DefaultCallStackSize = 1024
	// callStackHeadroom covers frames the host adds around an entry point:
	// the entry call itself, governed pcall, and a host function.
	callStackHeadroom = 4
	registrySize      = 1024 * 4
	registryMaxSize   = 1024 * 256
)

// Option configures the adapter.
type Option func(*Lua)

// WithLogger routes script print output to log.
func WithLogger(log logrus.FieldLogger) Option {
	return func(l *Lua) {
		l.log = log
	}
}

// Lua implements language.Language.
type Lua struct {
	log logrus.FieldLogger
}

// New returns a Lua language adapter.
func New(opts ...Option) *Lua {
	l := &Lua{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Name returns "lua".
func (l *Lua) Name() string {
	return "lua"
}

// Extensions returns ".lua".
func (l *Lua) Extensions() []string {
	return []string{".lua"}
}

// Compile parses and compiles src and reads its manifest header.
func (l *Lua) Compile(ctx context.Context, name string, src []byte) (language.Program, error) {
	m, err := manifest.FromLua(src)
	if err != nil {
		return nil, language.NewCompileError(name, err.Error(), 1, 0)
	}

	chunk, err := parse.Parse(bytes.NewReader(src), name)
	if err != nil {
		var perr *parse.Error
		if errors.As(err, &perr) {
			return nil, language.NewCompileError(name, perr.Message, perr.Pos.Line, perr.Pos.Column)
		}
		return nil, language.NewCompileError(name, err.Error(), 0, 0)
	}

	proto, err := lua.Compile(chunk, name)
	if err != nil {
		var cerr *lua.CompileError
		if errors.As(err, &cerr) {
			return nil, language.NewCompileError(name, cerr.Message, cerr.Line, 0)
		}
		return nil, language.NewCompileError(name, err.Error(), 0, 0)
	}

	return &program{lang: l, name: name, proto: proto, manifest: m}, nil
}

type program struct {
	lang     *Lua
	name     string
	proto    *lua.FunctionProto
	manifest *manifest.Manifest
}

func (p *program) Manifest() *manifest.Manifest {
	return p.manifest
}

func (p *program) Instantiate(ctx context.Context, bindings []hostfunc.Binding, gov *governor.Governor) (language.Instance, error) {
	stackSize := DefaultCallStackSize
	if d := gov.Limits().MaxDepth; d > 0 {
		stackSize = d + callStackHeadroom
	}

	L := lua.NewState(lua.Options{
		SkipOpenLibs:    true,
		CallStackSize:   stackSize,
		RegistrySize:    registrySize,
		RegistryMaxSize: registryMaxSize,
	})
	in := &instance{L: L, name: p.name, gov: gov, log: p.lang.log, meter: newMeter(gov)}

	if err := in.setup(bindings); err != nil {
		L.Close()
		return nil, fmt.Errorf("set up %s: %w", p.name, err)
	}
	if err := L.DoString(prelude); err != nil {
		L.Close()
		return nil, fmt.Errorf("prelude: %w", err)
	}

	in.begin(ctx)
	L.Push(L.NewFunctionFromProto(p.proto))
	err := in.settle(L.PCall(0, 0, nil))
	if err != nil {
		cerr := in.classify(ctx, err)
		in.Close()
		var rt *language.RuntimeError
		if errors.As(cerr, &rt) {
			return nil, language.NewCompileError(p.name, rt.Message, 0, 0)
		}
		return nil, cerr
	}
	return in, nil
}
