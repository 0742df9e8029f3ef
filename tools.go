//go:build tools

// Package tools pins build-time dependencies that the module does not import
// directly, such as gobind for exposing the engine to a mobile host.
package tools

import (
	_ "golang.org/x/mobile/bind"
)
