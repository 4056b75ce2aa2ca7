// Package moonguard provides a sandbox for running untrusted game scripts
// (mods, level logic) inside a host engine.
//
// # Overview
//
// Every script runs in its own context with a trust level fixed by the
// host. A context only sees the host functions whose capability was
// granted to it, and every invocation runs under a resource governor that
// enforces instruction, memory and call-depth ceilings plus a wall-clock
// watchdog. A script that exhausts a budget, calls a function it was not
// granted, or fails repeatedly is quarantined until the host lifts it.
//
// # Basic Usage
//
//	table := hostfunc.NewTable(capability.Default())
//	hostfunc.NewGame(world, logger).Register(table)
//
//	m, _ := sandbox.New(table, sandbox.WithAuthority(auth))
//	defer m.Close()
//
//	id, _ := m.CreateContext(ctx, sandbox.Source{
//	    Name:  "door.lua",
//	    Code:  src,
//	    Trust: capability.Untrusted,
//	})
//
//	// Once per frame
//	results, _ := m.Tick(ctx, dt)
//
//	// Or call one entry point directly
//	r, _ := m.Invoke(ctx, id, sandbox.EntryUpdate, dt)
//
// # Scripts
//
// Lua scripts declare what they need in a manifest comment:
//
//	--[[manifest
//	name: door
//	trust: untrusted
//	capabilities: [log, entity.read, entity.write]
//	]]
//
// WebAssembly modules carry the same manifest in a "manifest"
// custom section and import host functions from the "env" module.
//
// See the [sandbox], [capability], [governor], [hostfunc], [language/lua]
// and [language/wasm] packages for detailed API documentation.
package moonguard
