//go:build !linux

package tray

// iconData is a 16x16 PNG rendered into the tray.
var iconData = []byte{
	0x89, 0x50, 0x4e, 0x47, 0x0d, 0x0a, 0x1a, 0x0a, 0x00, 0x00, 0x00, 0x0d,
	0x49, 0x48, 0x44, 0x52, 0x00, 0x00, 0x00, 0x10, 0x00, 0x00, 0x00, 0x10,
	0x08, 0x06, 0x00, 0x00, 0x00, 0x1f, 0xf3, 0xff, 0x61, 0x00, 0x00, 0x00,
	0x3b, 0x49, 0x44, 0x41, 0x54, 0x78, 0xda, 0x63, 0x60, 0xa0, 0x1a, 0x48,
	0x4b, 0xfb, 0x4f, 0x12, 0xa6, 0x48, 0x33, 0x86, 0x21, 0xb4, 0x34, 0xe0,
	0xc3, 0x87, 0x0f, 0xe4, 0x1b, 0x00, 0xd2, 0x0c, 0xc3, 0x24, 0x1b, 0x80,
	0xac, 0x19, 0xa7, 0x21, 0x34, 0x75, 0x01, 0xb2, 0x01, 0x14, 0x87, 0xc1,
	0x10, 0x36, 0x80, 0x8e, 0x29, 0x91, 0xe2, 0xcc, 0x44, 0x01, 0x00, 0x00,
	0x2f, 0x52, 0x80, 0xa0, 0xfd, 0xa2, 0x86, 0x65, 0x00, 0x00, 0x00, 0x00,
	0x49, 0x45, 0x4e, 0x44, 0xae, 0x42, 0x60, 0x82,
}
