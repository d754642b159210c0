// Package cachekey generates and validates content-addressed keys for the
// cold object store.
//
// A key is a pure function of the query's defining parameters
// (site, point set, time range), so two callers asking the same question
// always address the same object and no manual invalidation is ever needed.
package cachekey

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/coldpoint/tierstore/internal/errors"
)

// DigestLen is the hex length of the SHA-256 digest segment.
const DigestLen = 64

// Known key extensions.
const (
	ExtParquet = "parquet"
	ExtJSON    = "json"
)

// Known tier prefixes (first path segment).
const (
	TierResults    = "results"
	TierArchive    = "archive"
	TierDeadLetter = "deadletter"
)

var knownExts = map[string]bool{
	ExtParquet: true,
	ExtJSON:    true,
}

var knownTiers = map[string]bool{
	TierResults:    true,
	TierArchive:    true,
	TierDeadLetter: true,
}

// segmentPattern constrains the tier and site path segments.
var segmentPattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// datePattern constrains the date path segment.
var datePattern = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// digestPattern constrains the digest filename segment.
var digestPattern = regexp.MustCompile(`^[0-9a-f]{64}$`)

// Params are the query-defining inputs of a key.
type Params struct {
	Tier   string
	Site   string
	Points []string
	Start  time.Time
	End    time.Time
	Ext    string
}

// Generate builds a key of the form tier/{site}/{YYYY-MM-DD}/{digest}.{ext}.
//
// The digest is a SHA-256 of a canonical serialization of
// {site, sorted points, start, end}; point order at the call site never
// changes the key.
func Generate(p Params) (string, error) {
	if p.Tier == "" {
		p.Tier = TierResults
	}
	if p.Ext == "" {
		p.Ext = ExtParquet
	}
	if !knownTiers[p.Tier] {
		return "", errors.Wrapf(errors.ErrInvalidKey, "unknown tier %q", p.Tier)
	}
	if !knownExts[p.Ext] {
		return "", errors.Wrapf(errors.ErrInvalidKey, "unknown extension %q", p.Ext)
	}
	if p.Site == "" {
		return "", errors.NewMissingField("site")
	}
	if !segmentPattern.MatchString(p.Site) {
		return "", errors.Wrapf(errors.ErrInvalidKey, "site %q is not path-safe", p.Site)
	}

	digest := digestOf(p)
	date := p.Start.UTC().Format("2006-01-02")

	return fmt.Sprintf("%s/%s/%s/%s.%s", p.Tier, p.Site, date, digest, p.Ext), nil
}

// GenerateRaw builds a key whose digest is the SHA-256 of an opaque
// identity string instead of query parameters. Dead-letter records are
// keyed this way: their identity is the job, not a query.
func GenerateRaw(tier, site string, date time.Time, identity, ext string) (string, error) {
	if !knownTiers[tier] {
		return "", errors.Wrapf(errors.ErrInvalidKey, "unknown tier %q", tier)
	}
	if !knownExts[ext] {
		return "", errors.Wrapf(errors.ErrInvalidKey, "unknown extension %q", ext)
	}
	if site == "" {
		return "", errors.NewMissingField("site")
	}
	if !segmentPattern.MatchString(site) {
		return "", errors.Wrapf(errors.ErrInvalidKey, "site %q is not path-safe", site)
	}
	if identity == "" {
		return "", errors.NewMissingField("identity")
	}

	h := sha256.New()
	writeString(h, identity)
	digest := hex.EncodeToString(h.Sum(nil))

	return fmt.Sprintf("%s/%s/%s/%s.%s",
		tier, site, date.UTC().Format("2006-01-02"), digest, ext), nil
}

// digestOf canonicalizes and hashes the key parameters.
// Canonical form: length-prefixed, NUL-separated fields with the point set
// sorted, so the serialization is unambiguous and order-independent.
func digestOf(p Params) string {
	h := sha256.New()

	writeString(h, p.Site)

	sorted := make([]string, len(p.Points))
	copy(sorted, p.Points)
	sort.Strings(sorted)

	writeInt(h, len(sorted))
	for _, pt := range sorted {
		writeString(h, pt)
	}

	writeInt64(h, p.Start.UTC().UnixMilli())
	writeInt64(h, p.End.UTC().UnixMilli())

	return hex.EncodeToString(h.Sum(nil))
}

func writeString(h hash.Hash, s string) {
	writeInt(h, len(s))
	h.Write([]byte(s))
	h.Write([]byte{0})
}

func writeInt(h hash.Hash, i int) {
	writeInt64(h, int64(i))
}

func writeInt64(h hash.Hash, i int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(i))
	h.Write(buf[:])
}

// Validate checks a key before any storage I/O reaches the object store.
// It rejects path traversal, doubled separators, and anything that does not
// match the exact expected shape.
func Validate(key string) error {
	if key == "" {
		return errors.Wrap(errors.ErrInvalidKey, "empty key")
	}
	if strings.Contains(key, "..") {
		return errors.Wrap(errors.ErrInvalidKey, "path traversal segment")
	}
	if strings.Contains(key, "//") || strings.Contains(key, `\`) {
		return errors.Wrap(errors.ErrInvalidKey, "doubled or foreign path separator")
	}
	if strings.HasPrefix(key, "/") || strings.HasSuffix(key, "/") {
		return errors.Wrap(errors.ErrInvalidKey, "leading or trailing separator")
	}

	segments := strings.Split(key, "/")
	if len(segments) != 4 {
		return errors.Wrapf(errors.ErrInvalidKey, "expected 4 path segments, got %d", len(segments))
	}

	tier, site, date, file := segments[0], segments[1], segments[2], segments[3]

	if !knownTiers[tier] {
		return errors.Wrapf(errors.ErrInvalidKey, "unknown tier segment %q", tier)
	}
	if !segmentPattern.MatchString(site) {
		return errors.Wrapf(errors.ErrInvalidKey, "malformed site segment %q", site)
	}
	if !datePattern.MatchString(date) {
		return errors.Wrapf(errors.ErrInvalidKey, "malformed date segment %q", date)
	}

	dot := strings.LastIndexByte(file, '.')
	if dot < 0 {
		return errors.Wrap(errors.ErrInvalidKey, "missing extension")
	}
	digest, ext := file[:dot], file[dot+1:]

	if !digestPattern.MatchString(digest) {
		return errors.Wrapf(errors.ErrInvalidKey, "digest must be %d hex characters", DigestLen)
	}
	if !knownExts[ext] {
		return errors.Wrapf(errors.ErrInvalidKey, "unknown extension %q", ext)
	}

	return nil
}

// Ext returns the extension of a validated key.
func Ext(key string) string {
	dot := strings.LastIndexByte(key, '.')
	if dot < 0 {
		return ""
	}
	return key[dot+1:]
}

// Site returns the site segment of a validated key.
func Site(key string) string {
	segments := strings.Split(key, "/")
	if len(segments) != 4 {
		return ""
	}
	return segments[1]
}
