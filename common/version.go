// Package common holds process-level helpers shared by the server and CLI
// binaries.
package common

// Version is the service version, overridden at build time through
// -ldflags "-X .../common.Version=v1.2.3".
var Version = "dev"
