// Package hostfunc provides the host functions scripts may call.
//
// Scripts have no implicit access to the engine or the machine. Every host
// function is registered in a [Table] under a capability, and a script
// context only sees the functions whose capability it was granted. The
// rest are absent from its namespace, so probing for them fails exactly
// like a typo.
//
// # Table
//
// The [Table] is populated at startup and sealed before the first script
// context exists:
//
//	table := hostfunc.NewTable(capability.Default())
//	table.Register(capability.Log, "log.print", func(ctx context.Context, args []any) (any, error) {
//	    return nil, nil
//	})
//
// Names are dotted paths; interpreters expose "entity.move" as the field
// move of a global table entity. [Table.RegisterArity] declares a fixed
// count of numeric arguments for interpreters that need static signatures.
//
// # Built-in Suites
//
// Game: logging, time, math helpers, input, entities, raycasts, audio and
// scenes on top of a [World]. [MemWorld] is an in-memory world.
//
//	hostfunc.NewGame(hostfunc.NewMemWorld(), logger).Register(table)
//
// Config: the game's settings store via [Config] and [ConfigLimits].
//
// Filesystem: game-directory access via [FS], [Mount], and [MountMode].
//
//	fs := hostfunc.NewFS([]hostfunc.Mount{
//	    {VirtualPath: "/saves", HostPath: "./saves", Mode: hostfunc.MountReadWriteCreate},
//	})
//	fs.Register(table)
//
// HTTP: network access to allow-listed hosts via [HTTP] and [HTTPConfig].
//
// # Security Model
//
// Capabilities decide what is bound; the suites still validate everything
// they receive:
//   - HTTP requests are limited to explicitly allowed hosts
//   - Filesystem access is restricted to mounted paths with specific permissions
//   - All operations have configurable size limits to prevent resource exhaustion
//
// [Binding.Call] refuses callers whose granted set lacks the binding's
// capability and converts host panics into errors.
package hostfunc
