// Package serialization provides the pluggable codec used to turn cached
// values into bytes. JSON is the default; gob handles types JSON cannot.
package serialization

import (
	"bytes"
	"encoding/gob"
	"encoding/json"
	"io"
)

const (
	// JSONType selects the JSON codec.
	JSONType = "json"
	// GobType selects the gob codec.
	GobType = "gob"
)

// Decoder decodes a value from an underlying stream.
type Decoder interface {
	Decode(v any) error
}

// Encoder encodes a value onto an underlying stream.
type Encoder interface {
	Encode(v any) error
}

// Codec pairs an encoder and decoder constructor.
type Codec struct {
	Encoder func(io.Writer) Encoder
	Decoder func(io.Reader) Decoder
}

// Marshal encodes v into a byte slice using the codec.
func (c Codec) Marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := c.Encoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// Unmarshal decodes data into v using the codec.
func (c Codec) Unmarshal(data []byte, v any) error {
	return c.Decoder(bytes.NewReader(data)).Decode(v)
}

// JSON returns the JSON codec.
func JSON() Codec {
	return Codec{Encoder: JSONEncoder, Decoder: JSONDecoder}
}

// Gob returns the gob codec.
func Gob() Codec {
	return Codec{Encoder: GobEncoder, Decoder: GobDecoder}
}

type jsonCodec struct {
	dec *json.Decoder
	enc *json.Encoder
}

func (j *jsonCodec) Decode(v any) error { return j.dec.Decode(v) }
func (j *jsonCodec) Encode(v any) error { return j.enc.Encode(v) }

// JSONDecoder returns a Decoder reading JSON from r.
func JSONDecoder(r io.Reader) Decoder {
	return &jsonCodec{dec: json.NewDecoder(r)}
}

// JSONEncoder returns an Encoder writing JSON to w.
func JSONEncoder(w io.Writer) Encoder {
	return &jsonCodec{enc: json.NewEncoder(w)}
}

type gobCodec struct {
	dec *gob.Decoder
	enc *gob.Encoder
}

func (g *gobCodec) Decode(v any) error { return g.dec.Decode(v) }
func (g *gobCodec) Encode(v any) error { return g.enc.Encode(v) }

// GobDecoder returns a Decoder reading gob from r.
func GobDecoder(r io.Reader) Decoder {
	return &gobCodec{dec: gob.NewDecoder(r)}
}

// GobEncoder returns an Encoder writing gob to w.
func GobEncoder(w io.Writer) Encoder {
	return &gobCodec{enc: gob.NewEncoder(w)}
}
