// Package templates embeds default configuration files.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
