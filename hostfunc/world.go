package hostfunc

import (
	"errors"
	"math"
	"sort"
	"sync"
)

// Vec3 is a position or direction in world space.
type Vec3 struct {
	X, Y, Z float64
}

// Add returns v+o.
func (v Vec3) Add(o Vec3) Vec3 {
	return Vec3{v.X + o.X, v.Y + o.Y, v.Z + o.Z}
}

// Sub returns v-o.
func (v Vec3) Sub(o Vec3) Vec3 {
	return Vec3{v.X - o.X, v.Y - o.Y, v.Z - o.Z}
}

// Dot returns the dot product.
func (v Vec3) Dot(o Vec3) float64 {
	return v.X*o.X + v.Y*o.Y + v.Z*o.Z
}

// Len returns the euclidean length.
func (v Vec3) Len() float64 {
	return math.Sqrt(v.Dot(v))
}

// EntityID identifies an entity. Zero is never a valid ID.
type EntityID uint64

// SoundID identifies a playing sound. Zero is never a valid ID.
type SoundID uint64

// ErrUnknownScene is returned by LoadScene for a scene the host does not have.
var ErrUnknownScene = errors.New("unknown scene")

// World is the part of the game engine that host functions operate on.
// Implementations must be safe for concurrent use: contexts may tick in
// parallel.
type World interface {
	Clock() (now, delta float64)
	KeyDown(key string) bool
	Axis(name string) float64

	Find(name string) (EntityID, bool)
	Spawn(name string, pos Vec3) EntityID
	Position(id EntityID) (Vec3, bool)
	SetPosition(id EntityID, pos Vec3) bool
	Rotation(id EntityID) (float64, bool)
	SetRotation(id EntityID, yaw float64) bool
	Destroy(id EntityID) bool
	Raycast(origin, dir Vec3, maxDist float64) (EntityID, float64, bool)

	PlaySound(name string, volume float64) SoundID
	StopSound(id SoundID) bool
	SetVolume(id SoundID, volume float64) bool

	LoadScene(name string) error
}

type entity struct {
	name string
	pos  Vec3
	yaw  float64
}

// MemWorld is an in-memory World used by the CLI and tests. Entities are
// treated as unit spheres for raycasts.
type MemWorld struct {
	mu       sync.RWMutex
	now      float64
	delta    float64
	keys     map[string]bool
	axes     map[string]float64
	entities map[EntityID]*entity
	sounds   map[SoundID]float64
	scenes   map[string]bool
	scene    string
	nextID   EntityID
	nextSnd  SoundID
}

// NewMemWorld returns an empty world that knows the given scenes.
func NewMemWorld(scenes ...string) *MemWorld {
	w := &MemWorld{
		keys:     make(map[string]bool),
		axes:     make(map[string]float64),
		entities: make(map[EntityID]*entity),
		sounds:   make(map[SoundID]float64),
		scenes:   make(map[string]bool),
	}
	for _, s := range scenes {
		w.scenes[s] = true
	}
	return w
}

// Advance moves the clock forward by dt seconds.
func (w *MemWorld) Advance(dt float64) {
	w.mu.Lock()
	w.now += dt
	w.delta = dt
	w.mu.Unlock()
}

// SetKey records the state of a key.
func (w *MemWorld) SetKey(key string, down bool) {
	w.mu.Lock()
	w.keys[key] = down
	w.mu.Unlock()
}

// SetAxis records the value of an input axis.
func (w *MemWorld) SetAxis(name string, v float64) {
	w.mu.Lock()
	w.axes[name] = v
	w.mu.Unlock()
}

// Scene returns the name of the last loaded scene.
func (w *MemWorld) Scene() string {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.scene
}

// Entities returns the IDs of all live entities in ascending order.
func (w *MemWorld) Entities() []EntityID {
	w.mu.RLock()
	defer w.mu.RUnlock()
	ids := make([]EntityID, 0, len(w.entities))
	for id := range w.entities {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (w *MemWorld) Clock() (float64, float64) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.now, w.delta
}

func (w *MemWorld) KeyDown(key string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.keys[key]
}

func (w *MemWorld) Axis(name string) float64 {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.axes[name]
}

// Find returns the lowest-numbered entity with the given name.
func (w *MemWorld) Find(name string) (EntityID, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	var found EntityID
	for id, e := range w.entities {
		if e.name == name && (found == 0 || id < found) {
			found = id
		}
	}
	return found, found != 0
}

func (w *MemWorld) Spawn(name string, pos Vec3) EntityID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextID++
	w.entities[w.nextID] = &entity{name: name, pos: pos}
	return w.nextID
}

func (w *MemWorld) Position(id EntityID) (Vec3, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	if !ok {
		return Vec3{}, false
	}
	return e.pos, true
}

func (w *MemWorld) SetPosition(id EntityID, pos Vec3) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if ok {
		e.pos = pos
	}
	return ok
}

func (w *MemWorld) Rotation(id EntityID) (float64, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	e, ok := w.entities[id]
	if !ok {
		return 0, false
	}
	return e.yaw, true
}

func (w *MemWorld) SetRotation(id EntityID, yaw float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	e, ok := w.entities[id]
	if ok {
		e.yaw = yaw
	}
	return ok
}

func (w *MemWorld) Destroy(id EntityID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.entities[id]
	delete(w.entities, id)
	return ok
}

// Raycast returns the nearest entity whose unit sphere the ray enters
// within maxDist.
func (w *MemWorld) Raycast(origin, dir Vec3, maxDist float64) (EntityID, float64, bool) {
	l := dir.Len()
	if l == 0 {
		return 0, 0, false
	}
	dir = Vec3{dir.X / l, dir.Y / l, dir.Z / l}

	w.mu.RLock()
	defer w.mu.RUnlock()
	var (
		hit  EntityID
		best = math.Inf(1)
	)
	for id, e := range w.entities {
		oc := origin.Sub(e.pos)
		b := oc.Dot(dir)
		c := oc.Dot(oc) - 1
		disc := b*b - c
		if disc < 0 {
			continue
		}
		sq := math.Sqrt(disc)
		if -b+sq < 0 {
			continue
		}
		t := math.Max(-b-sq, 0)
		if t > maxDist {
			continue
		}
		if t < best || t == best && id < hit {
			hit, best = id, t
		}
	}
	if hit == 0 {
		return 0, 0, false
	}
	return hit, best, true
}

func (w *MemWorld) PlaySound(name string, volume float64) SoundID {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.nextSnd++
	w.sounds[w.nextSnd] = volume
	return w.nextSnd
}

func (w *MemWorld) StopSound(id SoundID) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	_, ok := w.sounds[id]
	delete(w.sounds, id)
	return ok
}

func (w *MemWorld) SetVolume(id SoundID, volume float64) bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, ok := w.sounds[id]; !ok {
		return false
	}
	w.sounds[id] = volume
	return true
}

func (w *MemWorld) LoadScene(name string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.scenes[name] {
		return ErrUnknownScene
	}
	w.scene = name
	return nil
}
