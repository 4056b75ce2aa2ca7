package wasm

import (
	"context"
	"math"

	"github.com/tetratelabs/wazero/api"

	"github.com/caffeineduck/moonguard/hostfunc"
)

type importSig struct {
	name    string
	params  []api.ValueType
	results []api.ValueType
}

type link struct {
	importSig
	binding hostfunc.Binding
}

// link instantiates the "env" host module exporting exactly the imports the
// guest declared, each with the guest's own signature.
func (in *instance) link(ctx context.Context, links []link) error {
	builder := in.rt.NewHostModuleBuilder(ImportModule)
	for _, l := range links {
		builder = builder.NewFunctionBuilder().
			WithGoModuleFunction(in.hostCall(l), l.params, l.results).
			WithName(l.name).
			Export(l.name)
	}
	_, err := builder.Instantiate(ctx)
	return err
}

// hostCall adapts a binding to the stack-based calling convention. A host
// error traps the guest.
func (in *instance) hostCall(l link) api.GoModuleFunc {
	return func(ctx context.Context, _ api.Module, stack []uint64) {
		if err := in.gov.Step(1); err != nil {
			panic(err)
		}
		args := make([]any, len(l.params))
		for i, t := range l.params {
			args[i] = decode(t, stack[i])
		}
		res, err := l.binding.Call(ctx, args)
		if err != nil {
			panic(err)
		}
		if len(l.results) == 1 {
			stack[0] = encode(l.results[0], res)
		}
	}
}

func encode(t api.ValueType, v any) uint64 {
	f := toFloat(v)
	if math.IsNaN(f) && (t == api.ValueTypeI32 || t == api.ValueTypeI64) {
		f = 0
	}
	switch t {
	case api.ValueTypeI32:
		return uint64(uint32(int32(f)))
	case api.ValueTypeI64:
		return uint64(int64(f))
	case api.ValueTypeF32:
		return api.EncodeF32(float32(f))
	default:
		return api.EncodeF64(f)
	}
}

func decode(t api.ValueType, raw uint64) float64 {
	switch t {
	case api.ValueTypeI32:
		return float64(int32(uint32(raw)))
	case api.ValueTypeI64:
		return float64(int64(raw))
	case api.ValueTypeF32:
		return float64(api.DecodeF32(raw))
	default:
		return api.DecodeF64(raw)
	}
}

// toFloat maps a host value onto a number. Values with no numeric reading
// (strings, tables) become 0; nil becomes NaN so "not found" stays
// distinguishable from entity 0.
func toFloat(v any) float64 {
	switch v := v.(type) {
	case nil:
		return math.NaN()
	case float64:
		return v
	case float32:
		return float64(v)
	case int:
		return float64(v)
	case int64:
		return float64(v)
	case uint64:
		return float64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	default:
		return 0
	}
}
