package token

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Separator splits the timestamp segment from the digest segment.
const Separator = "_"

// Issue mints a challenge token bound to salt and the issuance time.
// Format: "<unix>.<micros>_<hex(HMAC-SHA256(key=salt, salt||ts))>".
func Issue(salt string, now time.Time) string {
	ts := fmt.Sprintf("%d.%06d", now.Unix(), now.Nanosecond()/1000)
	return ts + Separator + digest(salt, ts)
}

// Verify reports whether tok was issued with salt and is no older than
// maxAgeSeconds at now. The age boundary is inclusive. Malformed or tampered
// tokens are simply invalid.
func Verify(tok, salt string, now time.Time, maxAgeSeconds int64) bool {
	idx := strings.LastIndex(tok, Separator)
	if idx < 0 {
		return false
	}
	ts, sig := tok[:idx], tok[idx+len(Separator):]

	expected := digest(salt, ts)
	if subtle.ConstantTimeCompare([]byte(expected), []byte(sig)) != 1 {
		return false
	}

	issued, ok := issuedSeconds(ts)
	if !ok {
		return false
	}
	return now.Unix()-issued <= maxAgeSeconds
}

func digest(salt, ts string) string {
	m := hmac.New(sha256.New, []byte(salt))
	m.Write([]byte(salt + ts))
	return hex.EncodeToString(m.Sum(nil))
}

// issuedSeconds extracts the whole seconds from a timestamp segment.
func issuedSeconds(ts string) (int64, bool) {
	secs, _, _ := strings.Cut(ts, ".")
	n, err := strconv.ParseInt(secs, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}
