package trace

import (
	"bufio"
	"crypto/hmac"
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/ormasoftchile/syrin/pkg/kernel/events"
)

// VerifyResult is the outcome of verifying a trace file.
type VerifyResult struct {
	EventCount     int
	Valid          bool
	BrokenAt       int // -1 if no break
	Sealed         bool
	SignatureOK    bool
	SignatureNoKey bool // signature present but no key to verify
	SigningKeyID   string
	ChainHash      string
	Error          string
}

// VerifyFile verifies the hash chain and optional signature of a trace file.
func VerifyFile(path string) (*VerifyResult, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open trace file: %w", err)
	}
	defer f.Close()
	return Verify(f)
}

// Verify checks hash chain integrity, per-session sequence ordering, and the
// optional HMAC signature of the seal.
func Verify(r io.Reader) (*VerifyResult, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024) // 1MB max line

	expectedPrevHash := genesis
	lastSeq := map[events.SessionID]uint64{}
	line := 0
	count := 0
	var seal *Seal

	broken := func(msg string, args ...any) *VerifyResult {
		return &VerifyResult{
			EventCount: count,
			Valid:      false,
			BrokenAt:   line,
			Error:      fmt.Sprintf("line %d: ", line) + fmt.Sprintf(msg, args...),
		}
	}

	for scanner.Scan() {
		raw := scanner.Bytes()
		if len(raw) == 0 {
			continue
		}
		line++
		if seal != nil {
			return broken("record after seal"), nil
		}

		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			return broken("invalid JSON: %v", err), nil
		}
		if rec.PrevHash != expectedPrevHash {
			return broken("prev_hash mismatch (expected %s, got %s)", short(expectedPrevHash), short(rec.PrevHash)), nil
		}

		switch {
		case rec.Seal != nil:
			if rec.Seal.ChainHash != expectedPrevHash {
				return broken("seal chain_hash does not match trail"), nil
			}
			if rec.Seal.EventCount != count {
				return broken("seal counts %d events, trail has %d", rec.Seal.EventCount, count), nil
			}
			seal = rec.Seal
		case len(rec.Event) > 0:
			var env events.Envelope
			if err := json.Unmarshal(rec.Event, &env); err != nil {
				return broken("invalid event: %v", err), nil
			}
			if prev, ok := lastSeq[env.SessionID]; ok && env.Sequence <= prev {
				return broken("session %s sequence %d not after %d", env.SessionID, env.Sequence, prev), nil
			}
			lastSeq[env.SessionID] = env.Sequence
			count++
		default:
			return broken("record has neither event nor seal"), nil
		}

		expectedPrevHash = hashLine(raw)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read trace: %w", err)
	}

	result := &VerifyResult{
		EventCount: count,
		Valid:      true,
		BrokenAt:   -1,
		ChainHash:  expectedPrevHash,
	}
	if seal == nil {
		return result, nil
	}
	result.Sealed = true
	result.ChainHash = seal.ChainHash
	result.SigningKeyID = seal.SigningKeyID
	if seal.Signature != "" {
		key := os.Getenv(SigningKeyEnv)
		if key == "" {
			result.SignatureNoKey = true
		} else {
			result.SignatureOK = hmac.Equal([]byte(seal.Signature), []byte(sign(key, seal.ChainHash)))
		}
	}
	return result, nil
}

func short(h string) string {
	if len(h) > 16 {
		return h[:16] + "..."
	}
	return h
}
