// Package envelope is the wire format that carries a task from the
// submitting coordinator to a remote worker.
//
// Layout, before compression:
//
//	"CE" | version | parentId | futureId | kind | task
//
// Each field after the version byte is a uvarint length followed by the
// bytes. The whole stream is gzip-compressed, and the compressed size must
// not exceed the dispatcher's payload ceiling.
package envelope

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/vinayprograms/completionkit/errors"
	"github.com/vinayprograms/completionkit/store"
)

const (
	// Magic opens every envelope.
	Magic = "CE"

	// Version is the current layout version.
	Version byte = 1

	// DefaultMaxBytes is the default ceiling on the compressed envelope.
	DefaultMaxBytes = 10 * 1024

	// maxDecoded bounds decompression so a small payload cannot expand
	// without limit.
	maxDecoded = 4 << 20
)

// Envelope is the unit the dispatcher transports.
type Envelope struct {
	ParentID string
	FutureID string
	Kind     string
	Task     []byte
}

// Key returns the store key of the future this envelope resolves.
func (e Envelope) Key() store.Key {
	return store.Key{Parent: e.ParentID, ID: e.FutureID}
}

func (e Envelope) validate() error {
	switch {
	case e.ParentID == "":
		return errors.New(errors.ErrCodeInvalidInput, "envelope has no parent id")
	case e.FutureID == "":
		return errors.New(errors.ErrCodeInvalidInput, "envelope has no future id")
	case e.Kind == "":
		return errors.New(errors.ErrCodeInvalidInput, "envelope has no task kind")
	}
	return nil
}

// Encode serializes and compresses env. A maxBytes of zero or less means
// DefaultMaxBytes. An envelope above the ceiling is a PAYLOAD_TOO_LARGE error.
func Encode(env Envelope, maxBytes int) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}

	raw := make([]byte, 0, len(Magic)+1+len(env.ParentID)+len(env.FutureID)+len(env.Kind)+len(env.Task)+4*binary.MaxVarintLen64)
	raw = append(raw, Magic...)
	raw = append(raw, Version)
	raw = appendField(raw, []byte(env.ParentID))
	raw = appendField(raw, []byte(env.FutureID))
	raw = appendField(raw, []byte(env.Kind))
	raw = appendField(raw, env.Task)

	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeSubmission, "compress envelope")
	}
	if err := zw.Close(); err != nil {
		return nil, errors.WrapWithCode(err, errors.ErrCodeSubmission, "compress envelope")
	}

	if buf.Len() > maxBytes {
		return nil, errors.New(errors.ErrCodePayloadTooLarge,
			fmt.Sprintf("envelope is %d bytes, limit is %d", buf.Len(), maxBytes),
			errors.WithFutureID(env.FutureID),
			errors.WithParentID(env.ParentID),
			errors.WithMetadata("kind", env.Kind))
	}
	return buf.Bytes(), nil
}

func appendField(dst, field []byte) []byte {
	dst = binary.AppendUvarint(dst, uint64(len(field)))
	return append(dst, field...)
}

// Decode decompresses and parses a payload produced by Encode.
func Decode(payload []byte) (Envelope, error) {
	zr, err := gzip.NewReader(bytes.NewReader(payload))
	if err != nil {
		return Envelope{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "envelope is not gzip")
	}
	defer zr.Close()

	r := bufio.NewReader(io.LimitReader(zr, maxDecoded))

	head := make([]byte, len(Magic)+1)
	if _, err := io.ReadFull(r, head); err != nil {
		return Envelope{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput, "truncated envelope header")
	}
	if string(head[:len(Magic)]) != Magic {
		return Envelope{}, errors.New(errors.ErrCodeInvalidInput, "bad envelope magic")
	}
	if v := head[len(Magic)]; v != Version {
		return Envelope{}, errors.Newf(errors.ErrCodeInvalidInput, "unsupported envelope version %d", v)
	}

	var fields [4][]byte
	for i := range fields {
		fields[i], err = readField(r)
		if err != nil {
			return Envelope{}, errors.WrapWithCode(err, errors.ErrCodeInvalidInput,
				fmt.Sprintf("envelope field %d", i))
		}
	}
	if _, err := r.ReadByte(); err != io.EOF {
		return Envelope{}, errors.New(errors.ErrCodeInvalidInput, "trailing bytes after envelope")
	}

	env := Envelope{
		ParentID: string(fields[0]),
		FutureID: string(fields[1]),
		Kind:     string(fields[2]),
		Task:     fields[3],
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func readField(r *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(r)
	if err != nil {
		return nil, err
	}
	if n > maxDecoded {
		return nil, fmt.Errorf("field length %d out of range", n)
	}
	field := make([]byte, n)
	if _, err := io.ReadFull(r, field); err != nil {
		return nil, err
	}
	return field, nil
}
