// Matroska/EBML muxing for call recordings.
//
// Pure Go EBML encoding, no external dependencies. The output is a Matroska
// stream with one VP8 video track (optional) and one PCM audio track carrying
// the mixed two-party call audio. Clusters are emitted incrementally as
// self-contained byte chunks; the pipeline buffers them and concatenates on
// stop. PCM (A_PCM/INT/LIT) is used instead of a compressed audio codec so
// the mixed track can be written without re-encoding — codec work is the
// media engine's concern, not the recorder's.
package record

import (
	"bytes"
	"encoding/binary"
	"math"
)

// vint encodes v as an EBML variable-length integer for element sizes.
// Valid for sizes up to 2^28-2, far beyond any cluster this muxer emits.
func vint(v uint64) []byte {
	switch {
	case v < 0x7F:
		return []byte{byte(0x80 | v)}
	case v < 0x3FFF:
		return []byte{byte(0x40 | (v >> 8)), byte(v)}
	case v < 0x1FFFFF:
		return []byte{byte(0x20 | (v >> 16)), byte(v >> 8), byte(v)}
	default:
		return []byte{byte(0x10 | (v >> 24)), byte(v >> 16), byte(v >> 8), byte(v)}
	}
}

// unknownSize is the 8-byte unknown-size marker for the streaming Segment
// element, whose final length is not known while the call is live.
var unknownSize = []byte{0x01, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}

// elem encodes one EBML element: id bytes + vint(len(data)) + data.
func elem(id, data []byte) []byte {
	b := make([]byte, 0, len(id)+8+len(data))
	b = append(b, id...)
	b = append(b, vint(uint64(len(data)))...)
	return append(b, data...)
}

// euint encodes an unsigned integer in the minimal number of big-endian bytes.
func euint(v uint64) []byte {
	if v == 0 {
		return []byte{0}
	}
	n := 0
	for x := v; x > 0; x >>= 8 {
		n++
	}
	b := make([]byte, n)
	for i := n - 1; i >= 0; i-- {
		b[i] = byte(v)
		v >>= 8
	}
	return b
}

func concat(slices ...[]byte) []byte {
	n := 0
	for _, s := range slices {
		n += len(s)
	}
	b := make([]byte, 0, n)
	for _, s := range slices {
		b = append(b, s...)
	}
	return b
}

// Matroska element IDs used by this muxer.
var (
	idHeader       = []byte{0x1A, 0x45, 0xDF, 0xA3}
	idEBMLVersion  = []byte{0x42, 0x86}
	idEBMLReadVer  = []byte{0x42, 0xF7}
	idEBMLMaxIDLen = []byte{0x42, 0xF2}
	idEBMLMaxSzLen = []byte{0x42, 0xF3}
	idDocType      = []byte{0x42, 0x82}
	idDocTypeVer   = []byte{0x42, 0x87}
	idDocTypeRdVer = []byte{0x42, 0x85}
	idSegment      = []byte{0x18, 0x53, 0x80, 0x67}
	idInfo         = []byte{0x15, 0x49, 0xA9, 0x66}
	idTcScale      = []byte{0x2A, 0xD7, 0xB1}
	idMuxApp       = []byte{0x4D, 0x80}
	idWrtApp       = []byte{0x57, 0x41}
	idTracks       = []byte{0x16, 0x54, 0xAE, 0x6B}
	idTrackEntry   = []byte{0xAE}
	idTrackNum     = []byte{0xD7}
	idTrackUID     = []byte{0x73, 0xC5}
	idTrackType    = []byte{0x83}
	idCodecID      = []byte{0x86}
	idVideo        = []byte{0xE0}
	idPixelW       = []byte{0xB0}
	idPixelH       = []byte{0xBA}
	idAudio        = []byte{0xE1}
	idSampFreq     = []byte{0xB5}
	idChannels     = []byte{0x9F}
	idBitDepth     = []byte{0x62, 0x64}
	idCluster      = []byte{0x1F, 0x43, 0xB6, 0x75}
	idTimecode     = []byte{0xE7}
	idSimpleBlock  = []byte{0xA3}
)

// Track numbers. Audio is always present (the mixed call audio is the whole
// point of the recording); video is track 1 only when the call has video.
const (
	videoTrack = 1
	audioTrack = 2
)

// initSegment returns the stream header: EBML header + Segment start +
// Info + Tracks. withVideo announces a VP8 track with the given dimensions.
func initSegment(withVideo bool, videoW, videoH uint16, sampleRate, channels int) []byte {
	var buf bytes.Buffer

	head := concat(
		elem(idEBMLVersion, euint(1)),
		elem(idEBMLReadVer, euint(1)),
		elem(idEBMLMaxIDLen, euint(4)),
		elem(idEBMLMaxSzLen, euint(8)),
		elem(idDocType, []byte("matroska")),
		elem(idDocTypeVer, euint(4)),
		elem(idDocTypeRdVer, euint(2)),
	)
	buf.Write(elem(idHeader, head))

	buf.Write(idSegment)
	buf.Write(unknownSize)

	info := concat(
		elem(idTcScale, euint(1000000)), // 1 ms timecode units
		elem(idMuxApp, []byte("parley")),
		elem(idWrtApp, []byte("parley")),
	)
	buf.Write(elem(idInfo, info))

	freq := make([]byte, 4)
	binary.BigEndian.PutUint32(freq, math.Float32bits(float32(sampleRate)))
	audioEntry := concat(
		elem(idTrackNum, euint(audioTrack)),
		elem(idTrackUID, euint(audioTrack)),
		elem(idTrackType, euint(2)), // audio
		elem(idCodecID, []byte("A_PCM/INT/LIT")),
		elem(idAudio, concat(
			elem(idSampFreq, freq),
			elem(idChannels, euint(uint64(channels))),
			elem(idBitDepth, euint(16)),
		)),
	)

	tracks := elem(idTrackEntry, audioEntry)
	if withVideo {
		videoEntry := concat(
			elem(idTrackNum, euint(videoTrack)),
			elem(idTrackUID, euint(videoTrack)),
			elem(idTrackType, euint(1)), // video
			elem(idCodecID, []byte("V_VP8")),
			elem(idVideo, concat(
				elem(idPixelW, euint(uint64(videoW))),
				elem(idPixelH, euint(uint64(videoH))),
			)),
		)
		tracks = concat(elem(idTrackEntry, videoEntry), tracks)
	}
	buf.Write(elem(idTracks, tracks))
	return buf.Bytes()
}

// cluster builds a complete Cluster element. clusterMs is the cluster's
// absolute timecode; blocks is pre-encoded SimpleBlock elements.
func cluster(clusterMs int64, blocks []byte) []byte {
	return elem(idCluster, concat(elem(idTimecode, euint(uint64(clusterMs))), blocks))
}

// simpleBlock encodes one SimpleBlock: track vint, relative timecode
// (signed 16-bit), flags, payload.
func simpleBlock(track int, relMs int16, keyframe bool, data []byte) []byte {
	tv := vint(uint64(track))
	var flags byte
	if keyframe {
		flags = 0x80
	}
	content := make([]byte, len(tv)+3+len(data))
	copy(content, tv)
	binary.BigEndian.PutUint16(content[len(tv):], uint16(relMs))
	content[len(tv)+2] = flags
	copy(content[len(tv)+3:], data)
	return elem(idSimpleBlock, content)
}

// vp8Dimensions extracts the pixel width/height from a VP8 keyframe header.
// Returns ok=false for delta frames or truncated data.
func vp8Dimensions(data []byte) (w, h uint16, ok bool) {
	if len(data) < 10 || data[3] != 0x9D || data[4] != 0x01 || data[5] != 0x2A {
		return 0, 0, false
	}
	w = binary.LittleEndian.Uint16(data[6:8]) & 0x3FFF
	h = binary.LittleEndian.Uint16(data[8:10]) & 0x3FFF
	return w, h, true
}

// pcmBytes converts interleaved int16 samples to little-endian bytes as
// required by A_PCM/INT/LIT.
func pcmBytes(samples []int16) []byte {
	out := make([]byte, 2*len(samples))
	for i, s := range samples {
		binary.LittleEndian.PutUint16(out[2*i:], uint16(s))
	}
	return out
}
