package cell

import (
	"fmt"
	"hash/crc32"
	"strconv"
	"strings"
)

// checksum returns the 8-character hex CRC32 of data.
func checksum(data string) string {
	return fmt.Sprintf("%08x", crc32.ChecksumIEEE([]byte(data)))
}

// formatRecord renders one data file line. The checksum covers "SEQ, JSON"
// so both a torn sequence number and torn event data are detected.
func formatRecord(seq int64, record string) string {
	data := strconv.FormatInt(seq, 10) + ", " + record
	return "[" + data + ", " + checksum(data) + "]\n"
}

// parseRecord parses one data file line. ok is false for torn or corrupt
// lines; callers skip those.
func parseRecord(line string) (seq int64, record string, ok bool) {
	s := strings.TrimRight(line, "\r\n")
	if len(s) < 2 || s[0] != '[' || s[len(s)-1] != ']' {
		return 0, "", false
	}
	inner := s[1 : len(s)-1]
	i := strings.LastIndex(inner, ", ")
	if i < 0 {
		return 0, "", false
	}
	data, sum := inner[:i], inner[i+2:]
	j := strings.Index(data, ", ")
	if j < 0 {
		return 0, "", false
	}
	seq, err := strconv.ParseInt(data[:j], 10, 64)
	if err != nil || seq < 1 {
		return 0, "", false
	}
	if sum != checksum(data) {
		return 0, "", false
	}
	return seq, data[j+2:], true
}
