package hostfunc

import (
	"fmt"
	"math"
)

// Arg helpers read positional arguments. The name only feeds error messages.

func argString(args []any, i int, name string) (string, error) {
	if i < len(args) {
		if s, ok := args[i].(string); ok {
			return s, nil
		}
	}
	return "", fmt.Errorf("%s required", name)
}

func optString(args []any, i int, def string) string {
	if i < len(args) {
		if s, ok := args[i].(string); ok {
			return s
		}
	}
	return def
}

func argNumber(args []any, i int, name string) (float64, error) {
	if i < len(args) {
		switch v := args[i].(type) {
		case float64:
			if math.IsNaN(v) {
				break
			}
			return v, nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		}
	}
	return 0, fmt.Errorf("%s must be a number", name)
}

func optNumber(args []any, i int, def float64) float64 {
	if v, err := argNumber(args, i, ""); err == nil {
		return v
	}
	return def
}

func argMap(args []any, i int) map[string]any {
	if i < len(args) {
		if m, ok := args[i].(map[string]any); ok {
			return m
		}
	}
	return nil
}

func argVec3(args []any, i int, name string) (Vec3, error) {
	x, err := argNumber(args, i, name+".x")
	if err != nil {
		return Vec3{}, err
	}
	y, err := argNumber(args, i+1, name+".y")
	if err != nil {
		return Vec3{}, err
	}
	z, err := argNumber(args, i+2, name+".z")
	if err != nil {
		return Vec3{}, err
	}
	return Vec3{X: x, Y: y, Z: z}, nil
}
