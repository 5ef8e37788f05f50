// Package embedded bundles a sample application image.
package embedded

import (
	"bytes"
	_ "embed"
	"io"
)

//go:embed blink.hex
var blink []byte

// BlinkName is the file name reported for the bundled image.
const BlinkName = "blink.hex"

// Blink returns the bundled LED blink image in Intel HEX format.
func Blink() []byte {
	return blink
}

// BlinkReader returns a reader over the bundled image.
func BlinkReader() io.Reader {
	return bytes.NewReader(blink)
}
