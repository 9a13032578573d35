// Package artifacts holds the embedded default configuration files.
package artifacts

import _ "embed"

// GlobalSettings is the default settings.yaml written into a fresh
// config directory.
//
//go:embed global/settings.yaml
var GlobalSettings []byte

// MountConfig is an annotated example of a --config mount file.
//
//go:embed global/mount.yaml
var MountConfig []byte
