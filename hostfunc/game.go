package hostfunc

import (
	"context"
	"fmt"
	"math"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/caffeineduck/moonguard/capability"
)

// Game exposes a World to scripts: logging, time, math helpers, input,
// entities, physics queries, audio and scene changes.
type Game struct {
	world World
	log   logrus.FieldLogger
}

// NewGame returns the game suite operating on w. Script log output goes to
// log.
func NewGame(w World, log logrus.FieldLogger) *Game {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Game{world: w, log: log}
}

type entry struct {
	cap   capability.Capability
	name  string
	arity int
	fn    Func
}

func registerAll(t *Table, entries []entry) error {
	for _, e := range entries {
		if err := t.RegisterArity(e.cap, e.name, e.arity, e.fn); err != nil {
			return err
		}
	}
	return nil
}

// Register adds the suite to t.
func (g *Game) Register(t *Table) error {
	return registerAll(t, []entry{
		{capability.Log, "log.print", Variadic, g.Print},
		{capability.Log, "log.warn", Variadic, g.Warn},
		{capability.Time, "time.now", 0, g.Now},
		{capability.Time, "time.delta", 0, g.Delta},
		{capability.Math, "math.lerp", 3, Lerp},
		{capability.Math, "math.clamp", 3, Clamp},
		{capability.Input, "input.is_key_down", Variadic, g.IsKeyDown},
		{capability.Input, "input.get_axis", Variadic, g.GetAxis},
		{capability.EntityRead, "entity.find", Variadic, g.Find},
		{capability.EntityRead, "entity.get_position", 1, g.GetPosition},
		{capability.EntityRead, "entity.get_rotation", 1, g.GetRotation},
		{capability.EntityWrite, "entity.create", Variadic, g.Create},
		{capability.EntityWrite, "entity.set_position", 4, g.SetPosition},
		{capability.EntityWrite, "entity.move", 4, g.Move},
		{capability.EntityWrite, "entity.set_rotation", 2, g.SetRotation},
		{capability.EntityWrite, "entity.destroy", 1, g.Destroy},
		{capability.PhysicsRaycast, "physics.raycast", 7, g.Raycast},
		{capability.AudioPlay, "audio.play", Variadic, g.PlaySound},
		{capability.AudioPlay, "audio.stop", 1, g.StopSound},
		{capability.AudioPlay, "audio.set_volume", 2, g.SetVolume},
		{capability.SceneLoad, "scene.load", Variadic, g.LoadScene},
		{capability.Debug, "debug.dump", Variadic, g.Dump},
	})
}

// ScriptLogger returns log annotated with the caller carried by ctx.
func ScriptLogger(ctx context.Context, log logrus.FieldLogger) logrus.FieldLogger {
	c, ok := CallerFrom(ctx)
	if !ok {
		return log
	}
	return log.WithFields(logrus.Fields{
		"context": c.ContextID,
		"script":  c.Script,
		"tick":    c.Tick,
	})
}

func joinArgs(args []any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		if a == nil {
			parts[i] = "nil"
			continue
		}
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, "\t")
}

func (g *Game) Print(ctx context.Context, args []any) (any, error) {
	ScriptLogger(ctx, g.log).Info(joinArgs(args))
	return nil, nil
}

func (g *Game) Warn(ctx context.Context, args []any) (any, error) {
	ScriptLogger(ctx, g.log).Warn(joinArgs(args))
	return nil, nil
}

func (g *Game) Now(ctx context.Context, args []any) (any, error) {
	now, _ := g.world.Clock()
	return now, nil
}

func (g *Game) Delta(ctx context.Context, args []any) (any, error) {
	_, dt := g.world.Clock()
	return dt, nil
}

// Lerp interpolates linearly between a and b. t is not clamped.
func Lerp(ctx context.Context, args []any) (any, error) {
	a, err := argNumber(args, 0, "a")
	if err != nil {
		return nil, err
	}
	b, err := argNumber(args, 1, "b")
	if err != nil {
		return nil, err
	}
	t, err := argNumber(args, 2, "t")
	if err != nil {
		return nil, err
	}
	return a + (b-a)*t, nil
}

// Clamp limits x to [lo, hi].
func Clamp(ctx context.Context, args []any) (any, error) {
	x, err := argNumber(args, 0, "x")
	if err != nil {
		return nil, err
	}
	lo, err := argNumber(args, 1, "min")
	if err != nil {
		return nil, err
	}
	hi, err := argNumber(args, 2, "max")
	if err != nil {
		return nil, err
	}
	return math.Min(math.Max(x, lo), hi), nil
}

func (g *Game) IsKeyDown(ctx context.Context, args []any) (any, error) {
	key, err := argString(args, 0, "key")
	if err != nil {
		return nil, err
	}
	return g.world.KeyDown(key), nil
}

func (g *Game) GetAxis(ctx context.Context, args []any) (any, error) {
	name, err := argString(args, 0, "axis")
	if err != nil {
		return nil, err
	}
	return g.world.Axis(name), nil
}

func entityArg(args []any, i int) (EntityID, error) {
	v, err := argNumber(args, i, "entity")
	if err != nil {
		return 0, err
	}
	if v < 1 || v != math.Trunc(v) {
		return 0, fmt.Errorf("invalid entity id %v", v)
	}
	return EntityID(v), nil
}

func (g *Game) Find(ctx context.Context, args []any) (any, error) {
	name, err := argString(args, 0, "name")
	if err != nil {
		return nil, err
	}
	if id, ok := g.world.Find(name); ok {
		return float64(id), nil
	}
	return nil, nil
}

func (g *Game) GetPosition(ctx context.Context, args []any) (any, error) {
	id, err := entityArg(args, 0)
	if err != nil {
		return nil, err
	}
	pos, ok := g.world.Position(id)
	if !ok {
		return nil, nil
	}
	return map[string]any{"x": pos.X, "y": pos.Y, "z": pos.Z}, nil
}

func (g *Game) GetRotation(ctx context.Context, args []any) (any, error) {
	id, err := entityArg(args, 0)
	if err != nil {
		return nil, err
	}
	yaw, ok := g.world.Rotation(id)
	if !ok {
		return nil, nil
	}
	return yaw, nil
}

// Create spawns an entity: entity.create(name [, x, y, z]).
func (g *Game) Create(ctx context.Context, args []any) (any, error) {
	name := optString(args, 0, "Entity")
	pos := Vec3{X: optNumber(args, 1, 0), Y: optNumber(args, 2, 0), Z: optNumber(args, 3, 0)}
	return float64(g.world.Spawn(name, pos)), nil
}

func (g *Game) SetPosition(ctx context.Context, args []any) (any, error) {
	id, err := entityArg(args, 0)
	if err != nil {
		return nil, err
	}
	pos, err := argVec3(args, 1, "position")
	if err != nil {
		return nil, err
	}
	return g.world.SetPosition(id, pos), nil
}

func (g *Game) Move(ctx context.Context, args []any) (any, error) {
	id, err := entityArg(args, 0)
	if err != nil {
		return nil, err
	}
	delta, err := argVec3(args, 1, "delta")
	if err != nil {
		return nil, err
	}
	pos, ok := g.world.Position(id)
	if !ok {
		return false, nil
	}
	return g.world.SetPosition(id, pos.Add(delta)), nil
}

func (g *Game) SetRotation(ctx context.Context, args []any) (any, error) {
	id, err := entityArg(args, 0)
	if err != nil {
		return nil, err
	}
	yaw, err := argNumber(args, 1, "rotation")
	if err != nil {
		return nil, err
	}
	return g.world.SetRotation(id, yaw), nil
}

func (g *Game) Destroy(ctx context.Context, args []any) (any, error) {
	id, err := entityArg(args, 0)
	if err != nil {
		return nil, err
	}
	return g.world.Destroy(id), nil
}

// Raycast returns the ID of the nearest entity hit, or nil.
func (g *Game) Raycast(ctx context.Context, args []any) (any, error) {
	origin, err := argVec3(args, 0, "origin")
	if err != nil {
		return nil, err
	}
	dir, err := argVec3(args, 3, "direction")
	if err != nil {
		return nil, err
	}
	maxDist, err := argNumber(args, 6, "max_distance")
	if err != nil {
		return nil, err
	}
	if id, _, ok := g.world.Raycast(origin, dir, maxDist); ok {
		return float64(id), nil
	}
	return nil, nil
}

// PlaySound starts a sound: audio.play(name [, volume]).
func (g *Game) PlaySound(ctx context.Context, args []any) (any, error) {
	name, err := argString(args, 0, "sound")
	if err != nil {
		return nil, err
	}
	vol := math.Min(math.Max(optNumber(args, 1, 1), 0), 1)
	return float64(g.world.PlaySound(name, vol)), nil
}

func soundArg(args []any) (SoundID, error) {
	v, err := argNumber(args, 0, "sound")
	if err != nil {
		return 0, err
	}
	if v < 1 || v != math.Trunc(v) {
		return 0, fmt.Errorf("invalid sound id %v", v)
	}
	return SoundID(v), nil
}

func (g *Game) StopSound(ctx context.Context, args []any) (any, error) {
	id, err := soundArg(args)
	if err != nil {
		return nil, err
	}
	return g.world.StopSound(id), nil
}

func (g *Game) SetVolume(ctx context.Context, args []any) (any, error) {
	id, err := soundArg(args)
	if err != nil {
		return nil, err
	}
	vol, err := argNumber(args, 1, "volume")
	if err != nil {
		return nil, err
	}
	return g.world.SetVolume(id, math.Min(math.Max(vol, 0), 1)), nil
}

func (g *Game) LoadScene(ctx context.Context, args []any) (any, error) {
	name, err := argString(args, 0, "scene")
	if err != nil {
		return nil, err
	}
	if err := g.world.LoadScene(name); err != nil {
		return nil, fmt.Errorf("load scene %q: %w", name, err)
	}
	return true, nil
}

// Dump formats its arguments and logs them at debug level. The formatted
// text is returned to the script.
func (g *Game) Dump(ctx context.Context, args []any) (any, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprintf("%#v", a)
	}
	out := strings.Join(parts, ", ")
	ScriptLogger(ctx, g.log).Debug(out)
	return out, nil
}
