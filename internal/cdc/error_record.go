package cdc

import (
	"bytes"
	"encoding/json"
	"errors"
)

// ErrorProcessingFailed is the value of the "error" member of every ErrorRecord.
const ErrorProcessingFailed = "processing_failed"

// ErrorRecord stands in for a payload that could not be decoded or
// transformed. It is forwarded to the sinks like any other record.
type ErrorRecord struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

// NewErrorRecord builds the ErrorRecord for err. A *DecodeError contributes
// its parser message as the reason.
func NewErrorRecord(err error) ErrorRecord {
	reason := "unknown error"
	var decodeErr *DecodeError
	switch {
	case errors.As(err, &decodeErr):
		reason = decodeErr.Reason
	case err != nil:
		reason = err.Error()
	}
	return ErrorRecord{Error: ErrorProcessingFailed, Reason: reason}
}

// Encode serializes the record as {"error":...,"reason":...}.
func (r ErrorRecord) Encode() []byte {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// Two string fields cannot fail to encode.
	_ = enc.Encode(r)
	return bytes.TrimRight(buf.Bytes(), "\n")
}
