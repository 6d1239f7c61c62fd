package scoring

import (
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// ResultID derives a record id from the candidate name and completion time.
// A short random suffix keeps ids unique when two attempts finish in the same millisecond.
func ResultID(userName string, at time.Time) string {
	return slug(userName) + "-" + strconv.FormatInt(at.UnixMilli(), 10) + "-" + uuid.NewString()[:8]
}

func slug(s string) string {
	var sb strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			sb.WriteRune(r)
			dash = false
		case !dash && sb.Len() > 0:
			sb.WriteByte('-')
			dash = true
		}
	}
	out := strings.TrimRight(sb.String(), "-")
	if out == "" {
		return "candidate"
	}
	return out
}
