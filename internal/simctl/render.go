package simctl

import "encoding/binary"

// Material colors in RGB565. Unknown materials render as the sand color so
// a misconfigured panel still shows something.
var materialColors = map[string]uint16{
	"sand":  0xC5E0,
	"water": 0x2D7F,
	"stone": 0x8410,
	"fire":  0xF9E0,
	"wood":  0x9B26,
}

// RenderRGB565 rasterizes the grid into a row-major 16-bit framebuffer,
// big-endian, width*height*2 bytes.
func (e *Engine) RenderRGB565() []byte {
	e.mu.Lock()
	defer e.mu.Unlock()

	buf := make([]byte, int(e.width)*int(e.height)*2)
	for key, material := range e.cells {
		x := uint32(key >> 32)
		y := uint32(key & 0xffffffff)
		color, ok := materialColors[material]
		if !ok {
			color = materialColors["sand"]
		}
		off := (int(y)*int(e.width) + int(x)) * 2
		binary.BigEndian.PutUint16(buf[off:], color)
	}
	return buf
}
