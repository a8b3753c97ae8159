// Debug helpers
package util

import (
	"encoding/binary"
	"fmt"
)

// PrettyPrintChunk renders up to limit bytes of a chunk as u16 words,
// for eyeballing fill patterns and scrub results. Never call this on a
// sealed region, the reads fault.
func PrettyPrintChunk(data []byte, limit int) string {
	if limit > len(data) {
		limit = len(data)
	}

	const bytesPerRow = 32
	s := ""
	s += "┏━━━━━━━━┳━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┓\n"
	s += fmt.Sprintf("┃ Offset ┃ u16 Chunks (BigEndian) - %5d bytes (0x%04x)                                       ┃\n",
		len(data), len(data))
	s += fmt.Sprintln("┣━━━━━━━━╋━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┫")

	for i := 0; i < limit; i += bytesPerRow {
		s += fmt.Sprintf("┃ 0x%04x ┃ ", i)

		for j := 0; j < bytesPerRow; j += 2 {
			if i+j+1 < limit {
				val := binary.BigEndian.Uint16(data[i+j : i+j+2])
				s += fmt.Sprintf("%04x ", val)
			}
			// Space every 8 bytes to keep your eyes from crossing
			if (j+2)%8 == 0 {
				s += " "
			}
		}
		s += fmt.Sprintln("┃")
	}
	s += fmt.Sprintln("┗━━━━━━━━┻━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━┛")

	return s
}
