// Package wasm provides the WebAssembly language adapter, built on wazero.
//
// Modules run deny-by-default: there is no WASI, and the only importable
// functions are the granted host functions, exposed as imports of module
// "env" under their dotted names ("entity.move"). Numeric arguments cross as
// the import's declared value types; host functions with variadic arity are
// not importable.
//
// The governor sees every guest function call through a function listener
// (one step and one frame per call) and every linear-memory growth through
// a custom memory allocator. A refused growth makes memory.grow return -1.
//
// The manifest is carried in a custom section named "manifest".
package wasm

import (
	"context"
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/tetratelabs/wazero"

	"github.com/caffeineduck/moonguard/governor"
	"github.com/caffeineduck/moonguard/hostfunc"
	"github.com/caffeineduck/moonguard/language"
	"github.com/caffeineduck/moonguard/manifest"
)

// ImportModule is the module name host functions are imported from.
const ImportModule = "env"

// Option configures the adapter.
type Option func(*config)

type config struct {
	cacheDir string
	log      logrus.FieldLogger
}

// WithCacheDir persists compiled modules under dir.
func WithCacheDir(dir string) Option {
	return func(c *config) {
		c.cacheDir = dir
	}
}

// WithLogger sets the adapter's logger.
func WithLogger(log logrus.FieldLogger) Option {
	return func(c *config) {
		c.log = log
	}
}

// WASM implements language.Language. Compiled code is shared between
// contexts through a compilation cache; each context gets its own runtime.
type WASM struct {
	cache wazero.CompilationCache
	log   logrus.FieldLogger
}

// New returns a WASM adapter. Close releases the compilation cache.
func New(opts ...Option) (*WASM, error) {
	cfg := config{log: logrus.StandardLogger()}
	for _, opt := range opts {
		opt(&cfg)
	}

	cache := wazero.NewCompilationCache()
	if cfg.cacheDir != "" {
		var err error
		cache, err = wazero.NewCompilationCacheWithDir(cfg.cacheDir)
		if err != nil {
			return nil, fmt.Errorf("create disk cache: %w", err)
		}
	}
	return &WASM{cache: cache, log: cfg.log}, nil
}

// Name returns "wasm".
func (w *WASM) Name() string {
	return "wasm"
}

// Extensions returns ".wasm".
func (w *WASM) Extensions() []string {
	return []string{".wasm"}
}

// Close releases the compilation cache.
func (w *WASM) Close() error {
	return w.cache.Close(context.Background())
}

// Compile validates the binary, reads the manifest section and checks that
// every import is a function of module "env" with a numeric signature.
// Whether the imported names are actually granted is decided when the
// program is instantiated for a context.
func (w *WASM) Compile(ctx context.Context, name string, src []byte) (language.Program, error) {
	rt := wazero.NewRuntimeWithConfig(ctx, wazero.NewRuntimeConfigInterpreter().WithCustomSections(true))
	defer rt.Close(ctx)

	compiled, err := rt.CompileModule(ctx, src)
	if err != nil {
		return nil, language.NewCompileError(name, err.Error(), 0, 0)
	}
	defer compiled.Close(ctx)

	m := &manifest.Manifest{}
	for _, sec := range compiled.CustomSections() {
		if sec.Name() != manifest.SectionName {
			continue
		}
		if m, err = manifest.Parse(sec.Data()); err != nil {
			return nil, language.NewCompileError(name, "manifest: "+err.Error(), 0, 0)
		}
		break
	}

	var imports []importSig
	for _, def := range compiled.ImportedFunctions() {
		mod, field, _ := def.Import()
		if mod != ImportModule {
			return nil, language.NewCompileError(name, fmt.Sprintf("import %s.%s: only module %q is importable", mod, field, ImportModule), 0, 0)
		}
		sig := importSig{name: field, params: def.ParamTypes(), results: def.ResultTypes()}
		if len(sig.results) > 1 {
			return nil, language.NewCompileError(name, fmt.Sprintf("import %s.%s: at most one result", mod, field), 0, 0)
		}
		imports = append(imports, sig)
	}
	if len(compiled.ImportedMemories()) > 0 {
		return nil, language.NewCompileError(name, "memory imports are not supported", 0, 0)
	}

	bin := make([]byte, len(src))
	copy(bin, src)
	return &program{wasm: w, name: name, bin: bin, manifest: m, imports: imports}, nil
}

type program struct {
	wasm     *WASM
	name     string
	bin      []byte
	manifest *manifest.Manifest
	imports  []importSig
}

func (p *program) Manifest() *manifest.Manifest {
	return p.manifest
}

// Instantiate links the module against bindings. An import naming a
// function outside bindings fails exactly like an import of a name that
// was never registered.
func (p *program) Instantiate(ctx context.Context, bindings []hostfunc.Binding, gov *governor.Governor) (language.Instance, error) {
	byName := make(map[string]hostfunc.Binding, len(bindings))
	for _, b := range bindings {
		byName[b.Name] = b
	}
	linked := make([]link, 0, len(p.imports))
	for _, sig := range p.imports {
		b, ok := byName[sig.name]
		if !ok {
			return nil, language.NewCompileError(p.name, fmt.Sprintf("unknown import %s.%s", ImportModule, sig.name), 0, 0)
		}
		if b.Arity == hostfunc.Variadic || b.Arity != len(sig.params) {
			return nil, language.NewCompileError(p.name, fmt.Sprintf("import %s.%s: signature mismatch (want %d params)", ImportModule, sig.name, b.Arity), 0, 0)
		}
		linked = append(linked, link{importSig: sig, binding: b})
	}

	rt := wazero.NewRuntimeWithConfig(context.Background(), wazero.NewRuntimeConfigInterpreter().
		WithCloseOnContextDone(true).
		WithCompilationCache(p.wasm.cache))

	in := &instance{rt: rt, name: p.name, gov: gov, log: p.wasm.log}
	if err := in.link(ctx, linked); err != nil {
		rt.Close(context.Background())
		return nil, fmt.Errorf("link %s: %w", p.name, err)
	}

	var err error
	in.compiled, err = rt.CompileModule(in.listen(ctx), p.bin)
	if err != nil {
		rt.Close(context.Background())
		return nil, language.NewCompileError(p.name, err.Error(), 0, 0)
	}

	if err := in.instantiate(ctx); err != nil {
		in.Close()
		var rterr *language.RuntimeError
		if errors.As(err, &rterr) {
			return nil, language.NewCompileError(p.name, rterr.Message, 0, 0)
		}
		return nil, err
	}
	return in, nil
}
