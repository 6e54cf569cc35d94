// Package topology describes pipeline stage layouts and the log markers used
// to recognize each stage, with embedded defaults and file overrides.
package topology

import "embed"

//go:embed defaults/*.yaml
var embeddedFS embed.FS
