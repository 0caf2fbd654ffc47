//go:build !nogomlx

package main

// Include GoMLX backends and the "fnn" model.

import (
	_ "github.com/gomlx/gomlx/backends/simplego"
	_ "github.com/gomlx/gomlx/backends/xla"
	_ "github.com/janpfeifer/tetrisGo/internal/ai/gomlx"
)
