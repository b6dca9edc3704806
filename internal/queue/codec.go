package queue

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Interceptor is a reversible byte transform applied to message bodies.
type Interceptor interface {
	Name() string
	Encode(b []byte) ([]byte, error)
	Decode(b []byte) ([]byte, error)
}

// InterceptorGraph is the ordered list of interceptors applied at send
// time. Decoding walks it in reverse.
type InterceptorGraph []string

func (g InterceptorGraph) String() string { return strings.Join(g, ",") }

func ParseInterceptorGraph(s string) InterceptorGraph {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make(InterceptorGraph, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

type Serializer interface {
	MessageToBytes(body []byte, headers map[string]string) ([]byte, InterceptorGraph, error)
	BytesToMessage(data []byte, graph InterceptorGraph, headers map[string]string) ([]byte, error)
}

var errUnknownInterceptor = errors.New("unknown interceptor")

// Codec applies a fixed interceptor chain on send and decodes any graph
// whose interceptors it knows.
type Codec struct {
	chain []Interceptor
	known map[string]Interceptor
}

func NewCodec(chain ...Interceptor) *Codec {
	c := &Codec{known: make(map[string]Interceptor, len(chain))}
	c.chain = append(c.chain, chain...)
	for _, i := range chain {
		c.known[i.Name()] = i
	}
	return c
}

// Register adds decoders for graphs written by producers with a different
// chain.
func (c *Codec) Register(interceptors ...Interceptor) {
	for _, i := range interceptors {
		c.known[i.Name()] = i
	}
}

func (c *Codec) MessageToBytes(body []byte, _ map[string]string) ([]byte, InterceptorGraph, error) {
	out := body
	graph := make(InterceptorGraph, 0, len(c.chain))
	for _, i := range c.chain {
		enc, err := i.Encode(out)
		if err != nil {
			return nil, nil, fmt.Errorf("interceptor %s: %w", i.Name(), err)
		}
		out = enc
		graph = append(graph, i.Name())
	}
	return out, graph, nil
}

func (c *Codec) BytesToMessage(data []byte, graph InterceptorGraph, _ map[string]string) ([]byte, error) {
	out := data
	for idx := len(graph) - 1; idx >= 0; idx-- {
		i, ok := c.known[graph[idx]]
		if !ok {
			return nil, fmt.Errorf("%w: %s", errUnknownInterceptor, graph[idx])
		}
		dec, err := i.Decode(out)
		if err != nil {
			return nil, fmt.Errorf("interceptor %s: %w", i.Name(), err)
		}
		out = dec
	}
	return out, nil
}

// GzipInterceptor compresses bodies. A nil Level uses
// gzip.DefaultCompression; gzip.NoCompression is a valid level.
type GzipInterceptor struct {
	Level *int
}

func (GzipInterceptor) Name() string { return "gzip" }

func (g GzipInterceptor) Encode(b []byte) ([]byte, error) {
	level := gzip.DefaultCompression
	if g.Level != nil {
		level = *g.Level
	}
	var buf bytes.Buffer
	w, err := gzip.NewWriterLevel(&buf, level)
	if err != nil {
		return nil, err
	}
	if _, err := w.Write(b); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (GzipInterceptor) Decode(b []byte) ([]byte, error) {
	r, err := gzip.NewReader(bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	defer r.Close()
	return io.ReadAll(r)
}

// AESGCMInterceptor seals bodies with AES-GCM. The random nonce is
// prepended to the ciphertext.
type AESGCMInterceptor struct {
	aead cipher.AEAD
}

func NewAESGCMInterceptor(key []byte) (*AESGCMInterceptor, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes-gcm key: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &AESGCMInterceptor{aead: aead}, nil
}

func (*AESGCMInterceptor) Name() string { return "aes-gcm" }

func (a *AESGCMInterceptor) Encode(b []byte) ([]byte, error) {
	nonce := make([]byte, a.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return nil, err
	}
	return a.aead.Seal(nonce, nonce, b, nil), nil
}

func (a *AESGCMInterceptor) Decode(b []byte) ([]byte, error) {
	n := a.aead.NonceSize()
	if len(b) < n {
		return nil, errors.New("ciphertext too short")
	}
	return a.aead.Open(nil, b[:n], b[n:], nil)
}

func encodeHeaders(h map[string]string) ([]byte, error) {
	if len(h) == 0 {
		return []byte("{}"), nil
	}
	return json.Marshal(h)
}

func decodeHeaders(raw []byte) (map[string]string, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]string{}, nil
	}
	out := map[string]string{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode headers: %w", err)
	}
	return out, nil
}

// decodeHeadersLenient is used on sweep paths where a broken header blob
// must not stop the sweep.
func decodeHeadersLenient(raw []byte) map[string]string {
	h, err := decodeHeaders(raw)
	if err != nil {
		return map[string]string{}
	}
	return h
}
