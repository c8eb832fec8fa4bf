package runtime

import (
	"encoding/binary"
	"fmt"
)

// Variable-length tensor elements cross the marshaling boundary as a
// sequence of records, each a 4-byte little-endian length followed by
// exactly that many raw bytes. No separator, no terminator. The same
// encoding is the on-the-wire request/response format.

const stringLenSize = 4

// SerializeStrings encodes elements to the length-prefixed wire format.
func SerializeStrings(elems [][]byte) []byte {
	n := 0
	for _, e := range elems {
		n += stringLenSize + len(e)
	}
	out := make([]byte, 0, n)
	for _, e := range elems {
		var lenbuf [stringLenSize]byte
		binary.LittleEndian.PutUint32(lenbuf[:], uint32(len(e)))
		out = append(out, lenbuf[:]...)
		out = append(out, e...)
	}
	return out
}

// DeserializeStrings decodes a complete length-prefixed byte stream
// back into its elements. Trailing bytes too short to hold a length
// prefix, or a length running past the end of content, are errors.
func DeserializeStrings(content []byte) ([][]byte, error) {
	elems := [][]byte{}
	for len(content) > 0 {
		if len(content) < stringLenSize {
			return nil, fmt.Errorf(
				"incomplete string data: %d trailing bytes cannot hold a length prefix", len(content))
		}
		l := binary.LittleEndian.Uint32(content[:stringLenSize])
		content = content[stringLenSize:]
		if uint32(len(content)) < l {
			return nil, fmt.Errorf(
				"incomplete string data: expecting string of length %d but only %d bytes available",
				l, len(content))
		}
		elems = append(elems, content[:l:l])
		content = content[l:]
	}
	return elems, nil
}
