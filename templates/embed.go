// Package templates embeds the default files written by relay init.
package templates

import "embed"

//go:embed config.yaml
var FS embed.FS
