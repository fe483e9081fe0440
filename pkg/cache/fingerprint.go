package cache

import (
	"encoding/binary"
	"encoding/hex"
	"math"
	"strconv"
	"strings"

	"github.com/zeebo/blake3"
)

// DefaultTemperatureBucket is the granularity temperatures are rounded to
// before hashing.
const DefaultTemperatureBucket = 0.1

// Key holds the request fields that affect provider output.
type Key struct {
	Text        string
	System      string
	TaskType    string
	Override    string
	Temperature *float64
	MaxTokens   int
}

// Fingerprint hashes the normalized key. Whitespace runs collapse to one
// space and temperatures are rounded to bucket, so trivially different
// requests share an entry.
func Fingerprint(k Key, bucket float64) string {
	if bucket <= 0 {
		bucket = DefaultTemperatureBucket
	}

	h := blake3.New()
	writeField(h, "v1")
	writeField(h, normalizeText(k.Text))
	writeField(h, normalizeText(k.System))
	writeField(h, strings.ToLower(strings.TrimSpace(k.TaskType)))
	writeField(h, strings.TrimSpace(k.Override))
	writeField(h, temperatureBucket(k.Temperature, bucket))
	writeField(h, strconv.Itoa(k.MaxTokens))
	return hex.EncodeToString(h.Sum(nil))
}

func normalizeText(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

func temperatureBucket(t *float64, bucket float64) string {
	if t == nil {
		return "default"
	}
	steps := math.Round(*t / bucket)
	return strconv.FormatFloat(steps*bucket, 'f', 4, 64)
}

// writeField length-prefixes each field so adjacent values cannot collide.
func writeField(h *blake3.Hasher, s string) {
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(s)))
	_, _ = h.Write(n[:])
	_, _ = h.Write([]byte(s))
}
