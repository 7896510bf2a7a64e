package llm

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Reconstruct decodes a body that holds one or more concatenated JSON
// completion objects. Decoding stops at EOF or at the first value that does
// not parse as an object; whatever was decoded up to that point is kept.
func Reconstruct(raw []byte) (Completion, error) {
	decoder := json.NewDecoder(bytes.NewReader(raw))

	var (
		last    Completion
		builder strings.Builder
		count   int
		failure error
	)
	for {
		var value json.RawMessage
		if err := decoder.Decode(&value); err != nil {
			if !errors.Is(err, io.EOF) {
				failure = err
			}
			break
		}
		if len(value) == 0 || value[0] != '{' {
			failure = fmt.Errorf("completion chunk is not an object: %.32s", value)
			break
		}
		var chunk Completion
		if err := json.Unmarshal(value, &chunk); err != nil {
			failure = err
			break
		}
		builder.WriteString(chunk.Response)
		last = chunk
		count++
	}

	if count == 0 {
		if failure == nil {
			failure = io.ErrUnexpectedEOF
		}
		return Completion{}, &MalformedResponseError{Err: failure}
	}
	last.Response = builder.String()
	last.Chunks = count
	return last, nil
}
