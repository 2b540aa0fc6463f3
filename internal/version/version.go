package version

// Build information set by ldflags, e.g.
// -X github.com/arthur-debert/deployd/internal/version.Version=v0.3.0
var (
	Version = "dev"
	Commit  = "unknown"
	Date    = "unknown"
)
