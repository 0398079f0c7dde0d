package broker

import (
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/nerrad567/controlroom/internal/module"
)

// callbackFields is the number of fields in a callback frame.
const callbackFields = 3

// errEmptyFrame marks a drained buffer with nothing left after cleaning.
var errEmptyFrame = errors.New("empty frame")

// Frame is a parsed callback frame.
type Frame struct {
	Target  string
	Command string
	Payload string
}

// ParseFrame cleans a drained buffer and splits it into a Frame.
func ParseFrame(raw []byte) (Frame, error) {
	cleaned := module.CleanFrame(raw)
	if len(cleaned) == 0 {
		return Frame{}, errEmptyFrame
	}
	if !utf8.Valid(cleaned) {
		return Frame{}, fmt.Errorf("%w: not valid UTF-8", ErrMalformedFrame)
	}

	fields := strings.Split(string(cleaned), module.FieldSeparator)
	if len(fields) != callbackFields {
		return Frame{}, fmt.Errorf("%w: want <target>|<command>|<payload>, got %d fields in %q",
			ErrMalformedFrame, len(fields), cleaned)
	}

	return Frame{
		Target:  fields[0],
		Command: fields[1],
		Payload: fields[2],
	}, nil
}
