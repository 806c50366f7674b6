// Package loader registers cache drivers via blank imports.
//
// Usage in main.go:
//
//	import _ "github.com/cordx56/xrypton-go/internal/cache/loader"
package loader

import (
	_ "github.com/cordx56/xrypton-go/internal/cache/memory"
	_ "github.com/cordx56/xrypton-go/internal/cache/valkey"
)
