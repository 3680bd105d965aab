package cli

import "github.com/david/opportunity-validator/internal/ingest"

// version is overridden at build time with -ldflags "-X".
var version = "v0.3.0"

func constraintVersion() string {
	return ingest.ConstraintVersion
}
