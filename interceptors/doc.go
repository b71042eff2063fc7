// Package interceptors wraps hosted command execution with cross-cutting
// behaviour.
//
// An interceptor sees every invocation before the command runs and its result
// afterwards. Built-in interceptors:
//   - LoggingInterceptor: logs each run with its duration and outcome
//   - CircuitBreakerInterceptor: fails fast after repeated failures
//   - FilteringInterceptor: rejects invocations a Filter does not allow
//   - ConditionalInterceptor: applies another interceptor to matching invocations
//
// Example usage:
//
//	chain := interceptors.NewChain(
//		interceptors.NewLoggingInterceptor(logger),
//		interceptors.NewFilteringInterceptor(interceptors.NewCommandFilter("count", "echo")),
//	)
//	server, err := commands.NewServer(bus, commands.WithInterceptors(chain))
//
// Interceptors run in the order they are added, with the command itself
// called last.
package interceptors
