package version

// Overridden at build time with -ldflags "-X .../version.Version=...".
var (
	Version = "dev"
	Commit  = "none"
)
