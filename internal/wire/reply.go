package wire

import "strings"

// Reply prefixes. Callers distinguish success from failure by prefix only.
const (
	OKPrefix    = "OK - "
	ErrorPrefix = "ERROR - "
)

// OK formats a success reply.
func OK(body string) string { return OKPrefix + body }

// Error formats a failure reply.
func Error(reason string) string { return ErrorPrefix + reason }

// ReplyError is a failure reply returned by the tracker.
type ReplyError struct {
	Reason string
}

func (e *ReplyError) Error() string { return "tracker: " + e.Reason }

// ParseReply splits a reply line into its body. A failure reply yields a *ReplyError,
// an unprefixed line yields a *ReplyError with the raw text.
func ParseReply(line string) (string, error) {
	line = strings.TrimRight(line, "\r\n")
	switch {
	case strings.HasPrefix(line, OKPrefix):
		return strings.TrimPrefix(line, OKPrefix), nil
	case strings.HasPrefix(line, ErrorPrefix):
		return "", &ReplyError{Reason: strings.TrimPrefix(line, ErrorPrefix)}
	default:
		return "", &ReplyError{Reason: "malformed reply: " + line}
	}
}
