// Package cmd implements the command-line interface of slicerpc. It provides
// commands for running a server and for invoking objects as a client.
//
// The package is organized into several subpackages:
//
//   - serve: Starts a server hosting an echo object on one or more endpoints
//   - client: Client commands (call, ping, perf) targeting a remote object
//   - util: Shared utilities for flags and configuration (internal use)
//
// All communicator settings are persistent flags of the root command and can
// also be set as SLICERPC_<FLAG> environment variables or in a .env file.
//
// See slicerpc -help for a list of all commands.
package cmd
