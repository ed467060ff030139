// Package trace implements the append-only, hash-chained JSONL audit trail
// for session events. A Writer is a recorder sink; Verify checks a trail.
package trace

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

// SigningKeyEnv names the env var holding the HMAC key used to seal trails.
const SigningKeyEnv = "SYRIN_TRACE_SIGNING_KEY"

// SigningKeyIDEnv optionally names the key in the seal.
const SigningKeyIDEnv = "SYRIN_TRACE_SIGNING_KEY_ID"

var genesis = strings.Repeat("0", 64)

// Record is one JSONL line. Exactly one of Event or Seal is set.
type Record struct {
	PrevHash string          `json:"prev_hash"`
	Event    json.RawMessage `json:"event,omitempty"`
	Seal     *Seal           `json:"seal,omitempty"`
}

// Seal closes a trail: the hash of the last event line and an optional HMAC
// over it.
type Seal struct {
	EventCount   int    `json:"event_count"`
	ChainHash    string `json:"chain_hash"`
	Signature    string `json:"signature,omitempty"`
	SigningKeyID string `json:"signing_key_id,omitempty"`
}

// Writer writes envelopes to an append-only JSONL stream.
type Writer struct {
	mu         sync.Mutex
	w          io.Writer
	closer     io.Closer
	prevHash   string
	count      int
	sealed     bool
	secretVars []string // env var names whose values should be redacted
}

// NewWriter creates a trace writer that writes to the given io.Writer.
func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w, prevHash: genesis}
}

// NewFileWriter creates a trace writer that appends to a JSONL file.
func NewFileWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	tw := NewWriter(f)
	tw.closer = f
	return tw, nil
}

// SetSecrets configures the writer to redact values of the given env vars from trace output.
func (tw *Writer) SetSecrets(envVars []string) {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	tw.secretVars = envVars
}

// RedactSecrets replaces secret values in a string with "<REDACTED>".
func (tw *Writer) RedactSecrets(s string) string {
	for _, envVar := range tw.secretVars {
		if val := os.Getenv(envVar); val != "" {
			s = strings.ReplaceAll(s, val, "<REDACTED>")
		}
	}
	return s
}

func (tw *Writer) Name() string { return "jsonl" }

// Write appends one envelope, chained to the previous line.
func (tw *Writer) Write(_ context.Context, env events.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}

	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.sealed {
		return fmt.Errorf("trace already sealed")
	}
	if len(tw.secretVars) > 0 {
		redacted := tw.RedactSecrets(string(data))
		data = []byte(redacted)
	}
	if err := tw.writeRecord(Record{PrevHash: tw.prevHash, Event: data}); err != nil {
		return err
	}
	tw.count++
	return nil
}

func (tw *Writer) writeRecord(rec Record) error {
	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode trace record: %w", err)
	}
	if _, err := tw.w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write trace: %w", err)
	}
	tw.prevHash = hashLine(line)
	return nil
}

// Seal writes the closing record. When SigningKeyEnv is set the chain hash is
// signed with HMAC-SHA256. Sealing twice is a no-op.
func (tw *Writer) Seal() error {
	tw.mu.Lock()
	defer tw.mu.Unlock()
	if tw.sealed {
		return nil
	}
	seal := &Seal{EventCount: tw.count, ChainHash: tw.prevHash}
	if key := os.Getenv(SigningKeyEnv); key != "" {
		seal.Signature = sign(key, tw.prevHash)
		seal.SigningKeyID = os.Getenv(SigningKeyIDEnv)
	}
	if err := tw.writeRecord(Record{PrevHash: tw.prevHash, Seal: seal}); err != nil {
		return err
	}
	tw.sealed = true
	return nil
}

// Close seals the trail and closes the underlying file, if any.
func (tw *Writer) Close() error {
	if err := tw.Seal(); err != nil {
		return err
	}
	if tw.closer != nil {
		return tw.closer.Close()
	}
	return nil
}

func hashLine(line []byte) string {
	h := sha256.Sum256(line)
	return hex.EncodeToString(h[:])
}

func sign(key, chainHash string) string {
	mac := hmac.New(sha256.New, []byte(key))
	mac.Write([]byte(chainHash))
	return hex.EncodeToString(mac.Sum(nil))
}
