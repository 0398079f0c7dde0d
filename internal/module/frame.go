package module

import (
	"bytes"
	"strings"
)

// HandshakeRequest asks a module for its primary commands.
const HandshakeRequest = "GET_PCOMMS"

// FieldSeparator separates frame fields on the wire.
const FieldSeparator = "|"

// strayByte is a lead byte some module runtimes emit ahead of messages.
const strayByte = 0xC2

// CleanFrame removes CRLF pairs and stray 0xC2 bytes from a raw read.
func CleanFrame(raw []byte) []byte {
	out := bytes.ReplaceAll(raw, []byte("\r\n"), nil)
	return bytes.ReplaceAll(out, []byte{strayByte}, nil)
}

// EncodeCommand renders an outbound command frame.
func EncodeCommand(command, payload string) []byte {
	return []byte(command + FieldSeparator + payload)
}

// ParsePcomms parses a handshake reply into command names, keeping the
// module's order and dropping blanks and duplicates.
func ParsePcomms(reply []byte) []string {
	fields := strings.Split(string(CleanFrame(reply)), FieldSeparator)
	seen := make(map[string]bool, len(fields))
	out := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}
