// Package cep is a small embedded stream-correlation engine.
//
// An execution plan is a sequence of statements separated by semicolons:
//
//	@config(async = 'true') define stream Raw (src string, bytes int);
//	from Raw[bytes > 100] select src, bytes * 8 as bits insert into Big;
//
// Stream definitions declare typed attributes (string, int, long, float,
// double, bool, object). Queries read one stream, optionally filter it, project
// attributes or expressions, and insert into a target stream that is either
// declared or inferred from the projection. Filter and projection expressions
// use the expr language and are type-checked against the source stream at
// compile time.
//
// A Manager compiles plans into Runtimes. Each Runtime exposes InputHandlers
// for injecting events, StreamCallbacks for observing output streams, and a
// Start/Shutdown lifecycle. Streams annotated with @config(async = 'true') are
// processed by a dedicated goroutine in arrival order; all other streams are
// processed on the caller's goroutine.
package cep
