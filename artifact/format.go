package artifact

// Header layout, little-endian:
//
//	magic    [4]byte  "TBMA"
//	version  uint16
//	length   uint32   stored body length
//	checksum uint64   xxhash64 of the stored body
//
// Version 1 stores the body as is, version 2 stores it zstd-compressed. The
// body is the metadata, schema and predictor sections in that order, built
// from uvarints, zigzag varints, little-endian float64 bits and
// length-prefixed strings.
const (
	Magic      = "TBMA"
	headerSize = 4 + 2 + 4 + 8

	Version1 uint16 = 1
	Version2 uint16 = 2

	// CurrentVersion is what Encode writes by default.
	CurrentVersion = Version2

	// maxBodySize bounds both stored and decompressed bodies.
	maxBodySize = 1 << 30
)

func supportedVersion(v uint16) bool {
	return v == Version1 || v == Version2
}

const (
	tagNumber byte = 1
	tagEnum   byte = 2
	tagText   byte = 3

	tagRegression     byte = 1
	tagClassification byte = 2

	tagSplit byte = 0
	tagLeaf  byte = 1
)
