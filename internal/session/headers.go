package session

import "encoding/binary"

// Header blobs primed into the sink ahead of a track's audio so that a
// container muxer downstream can emit valid streams. The engine only
// selects blobs; it never inspects audio.

const (
	opusPreskip       = 3840
	flacBitsPerSample = 16
)

// opusHeaders returns the identification and tags headers for a mono
// Opus track. Continuous (unfiltered) streams use a zero preskip since
// the client ships every frame including leading silence.
func opusHeaders(continuous bool) [2][]byte {
	head := make([]byte, 19)
	copy(head, "OpusHead")
	head[8] = 1 // version
	head[9] = 1 // channels
	if !continuous {
		binary.LittleEndian.PutUint16(head[10:], opusPreskip)
	}
	binary.LittleEndian.PutUint32(head[12:], 48000)
	return [2][]byte{head, vorbisComment("OpusTags", continuous)}
}

// flacHeaders returns the STREAMINFO and tags headers for a mono FLAC
// track at the announced sample rate (44100 or 48000).
func flacHeaders(sampleRate uint32, continuous bool) [2][]byte {
	info := make([]byte, 4+4+34)
	copy(info, "fLaC")
	// STREAMINFO block: type 0, 34-byte body.
	info[7] = 34
	body := info[8:]
	binary.BigEndian.PutUint16(body[0:], 16)    // min blocksize
	binary.BigEndian.PutUint16(body[2:], 65535) // max blocksize
	// sampleRate:20 | channels-1:3 | bps-1:5 | totalSamples:36, big-endian.
	packed := uint64(sampleRate)<<44 | uint64(0)<<41 | uint64(flacBitsPerSample-1)<<36
	binary.BigEndian.PutUint64(body[10:], packed)
	return [2][]byte{info, vorbisComment("", continuous)}
}

// vorbisComment builds a minimal tags packet: optional magic, vendor
// string, and a continuous-mode marker so downstream tooling can tell
// unfiltered tracks apart.
func vorbisComment(magic string, continuous bool) []byte {
	const vendor = "tapewire"
	comments := [][]byte{}
	if continuous {
		comments = append(comments, []byte("CONTINUOUS=1"))
	}
	size := len(magic) + 4 + len(vendor) + 4
	for _, c := range comments {
		size += 4 + len(c)
	}
	b := make([]byte, 0, size)
	b = append(b, magic...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(vendor)))
	b = append(b, vendor...)
	b = binary.LittleEndian.AppendUint32(b, uint32(len(comments)))
	for _, c := range comments {
		b = binary.LittleEndian.AppendUint32(b, uint32(len(c)))
		b = append(b, c...)
	}
	return b
}
