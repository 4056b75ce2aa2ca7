package capability

import "errors"

// Capability is a named permission gating one or more host functions.
// Capabilities are defined when the host is built and never created by
// scripts.
type Capability string

// Built-in capabilities understood by the hostfunc suites.
const (
	Log            Capability = "log"
	Math           Capability = "math"
	Time           Capability = "time"
	Input          Capability = "input"
	EntityRead     Capability = "entity.read"
	PhysicsRaycast Capability = "physics.raycast"
	AudioPlay      Capability = "audio.play"
	EntityWrite    Capability = "entity.write"
	ConfigRead     Capability = "config.read"
	SceneLoad      Capability = "scene.load"
	ConfigWrite    Capability = "config.write"
	Debug          Capability = "debug"
	FSReadGameDir  Capability = "fs.read.gamedir"
	FSWriteGameDir Capability = "fs.write.gamedir"
	NetHTTP        Capability = "net.http"
)

var (
	// ErrUnknownCapability is returned for a capability name the registry
	// never defined. It indicates a host misconfiguration.
	ErrUnknownCapability = errors.New("unknown capability")

	// ErrDuplicateCapability is returned when a builder defines the same
	// capability twice.
	ErrDuplicateCapability = errors.New("capability already defined")
)
