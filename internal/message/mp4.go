package message

import (
	"encoding/binary"
	"fmt"
)

// videoProbe is what the container inspection yields: enough to fill
// the upload metadata the server wants for streamed playback.
type videoProbe struct {
	Width    int
	Height   int
	Duration int // seconds
}

// probeMP4 walks the ISO BMFF box tree far enough to read the movie
// header (duration) and the first video track header (dimensions).
// Only moov/mvhd/trak/tkhd are inspected; everything else is skipped
// by size.
func probeMP4(b []byte) (videoProbe, error) {
	moov, err := findBox(b, "moov")
	if err != nil {
		return videoProbe{}, err
	}

	var p videoProbe
	if mvhd, err := findBox(moov, "mvhd"); err == nil {
		p.Duration, err = mvhdDuration(mvhd)
		if err != nil {
			return videoProbe{}, err
		}
	}

	// The first trak with nonzero dimensions is the video track; audio
	// tracks carry 0x0.
	rest := moov
	for {
		trak, err := findBox(rest, "trak")
		if err != nil {
			break
		}
		if tkhd, err := findBox(trak, "tkhd"); err == nil {
			w, h, err := tkhdDimensions(tkhd)
			if err == nil && w > 0 && h > 0 {
				p.Width, p.Height = w, h
				break
			}
		}
		// Advance past this trak.
		off := boxOffset(rest, trak) + len(trak)
		if off >= len(rest) {
			break
		}
		rest = rest[off:]
	}

	if p.Width == 0 && p.Height == 0 && p.Duration == 0 {
		return videoProbe{}, fmt.Errorf("message: mp4 probe: no usable headers")
	}
	return p, nil
}

// findBox scans sibling boxes in b and returns the payload of the
// first box with the given fourcc type.
func findBox(b []byte, typ string) ([]byte, error) {
	for off := 0; off+8 <= len(b); {
		size := int(binary.BigEndian.Uint32(b[off:]))
		name := string(b[off+4 : off+8])
		header := 8
		switch size {
		case 0:
			// Box extends to end of data.
			size = len(b) - off
		case 1:
			if off+16 > len(b) {
				return nil, fmt.Errorf("message: mp4 probe: truncated largesize box")
			}
			size64 := binary.BigEndian.Uint64(b[off+8:])
			if size64 > uint64(len(b)-off) {
				return nil, fmt.Errorf("message: mp4 probe: box %s overruns data", name)
			}
			size = int(size64)
			header = 16
		}
		if size < header || off+size > len(b) {
			return nil, fmt.Errorf("message: mp4 probe: box %s has bad size %d", name, size)
		}
		if name == typ {
			return b[off+header : off+size], nil
		}
		off += size
	}
	return nil, fmt.Errorf("message: mp4 probe: box %s not found", typ)
}

// boxOffset recovers where a payload slice sits inside its parent so
// the sibling scan can continue past it.
func boxOffset(parent, payload []byte) int {
	if len(payload) == 0 {
		return len(parent)
	}
	for i := 0; i+len(payload) <= len(parent); i++ {
		if &parent[i] == &payload[0] {
			return i
		}
	}
	return len(parent)
}

// mvhdDuration reads the movie duration in seconds. Version 1 boxes
// use 64-bit timestamps.
func mvhdDuration(b []byte) (int, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("message: mp4 probe: short mvhd")
	}
	switch version := b[0]; version {
	case 0:
		if len(b) < 20 {
			return 0, fmt.Errorf("message: mp4 probe: short mvhd v0")
		}
		timescale := binary.BigEndian.Uint32(b[12:])
		duration := binary.BigEndian.Uint32(b[16:])
		if timescale == 0 {
			return 0, nil
		}
		return int(duration / timescale), nil
	case 1:
		if len(b) < 32 {
			return 0, fmt.Errorf("message: mp4 probe: short mvhd v1")
		}
		timescale := binary.BigEndian.Uint32(b[20:])
		duration := binary.BigEndian.Uint64(b[24:])
		if timescale == 0 {
			return 0, nil
		}
		return int(duration / uint64(timescale)), nil
	default:
		return 0, fmt.Errorf("message: mp4 probe: mvhd version %d", version)
	}
}

// tkhdDimensions reads the track's presentation width and height,
// stored as 16.16 fixed point after the transform matrix.
func tkhdDimensions(b []byte) (int, int, error) {
	if len(b) < 4 {
		return 0, 0, fmt.Errorf("message: mp4 probe: short tkhd")
	}
	var off int
	switch version := b[0]; version {
	case 0:
		off = 4 + 20 + 52
	case 1:
		off = 4 + 32 + 52
	default:
		return 0, 0, fmt.Errorf("message: mp4 probe: tkhd version %d", version)
	}
	if len(b) < off+8 {
		return 0, 0, fmt.Errorf("message: mp4 probe: short tkhd payload")
	}
	w := int(binary.BigEndian.Uint32(b[off:]) >> 16)
	h := int(binary.BigEndian.Uint32(b[off+4:]) >> 16)
	return w, h, nil
}
