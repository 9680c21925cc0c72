package webhook

import "strings"

// Keyword is a compliance keyword detected at the edge, before any
// classifier runs.
type Keyword string

const (
	KeywordNone  Keyword = ""
	KeywordStop  Keyword = "stop"
	KeywordHelp  Keyword = "help"
	KeywordStart Keyword = "start"
)

var stopWords = map[string]struct{}{
	"stop": {}, "unsubscribe": {}, "cancel": {}, "end": {}, "quit": {},
	"acha": {}, "wacha": {},
}

var helpWords = map[string]struct{}{
	"help": {}, "info": {}, "msaada": {},
}

var startWords = map[string]struct{}{
	"start": {}, "unstop": {}, "anza": {},
}

// DetectKeyword matches single-word compliance keywords. Only a message
// that is exactly the keyword (after trimming) qualifies; "please stop
// calling me about X" goes to the classifier instead.
func DetectKeyword(body string) Keyword {
	w := strings.ToLower(strings.TrimSpace(body))
	w = strings.TrimRight(w, ".!")
	if _, ok := stopWords[w]; ok {
		return KeywordStop
	}
	if _, ok := helpWords[w]; ok {
		return KeywordHelp
	}
	if _, ok := startWords[w]; ok {
		return KeywordStart
	}
	return KeywordNone
}
