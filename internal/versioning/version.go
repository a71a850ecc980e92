package versioning

// ApplicationVersion is set at build time with
// -ldflags "-X github.com/masa-finance/timeline-harvester/internal/versioning.ApplicationVersion=..."
var ApplicationVersion = "dev"
