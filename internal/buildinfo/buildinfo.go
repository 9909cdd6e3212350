// Package buildinfo carries the version stamped at build time via
//
//	-ldflags "-X github.com/photomed/lasercore/internal/buildinfo.Version=..."
package buildinfo

// Version is the release version, "dev" when built without ldflags.
var Version = "dev"
