package usecase

import (
	"encoding/json"
	"strings"

	"github.com/AzielCF/az-gateway/domains/meeting"
)

// schedulingPreamble replaces the reply when stripping the action fragment
// leaves nothing the customer could read.
const schedulingPreamble = "Perfect, I'm scheduling the meeting now."

// DetectMeetingAction scans a model reply for an embedded JSON fragment (an
// object, or an array holding exactly one object) whose action field marks
// a booking request. It returns the parsed payload and the reply with the
// fragment removed. Malformed JSON is treated as ordinary text.
func DetectMeetingAction(text string) (*meeting.Data, string) {
	for i := 0; i < len(text); i++ {
		open := text[i]
		if open != '{' && open != '[' {
			continue
		}

		end := matchBalanced(text, i)
		if end < 0 {
			continue
		}
		fragment := text[i : end+1]

		data := parseActionFragment(fragment)
		if data == nil || data.Action != meeting.ActionName {
			continue
		}

		cleaned := strings.TrimSpace(text[:i] + text[end+1:])
		if cleaned == "" {
			cleaned = schedulingPreamble
		}
		return data, cleaned
	}
	return nil, text
}

// matchBalanced returns the index of the bracket closing the one at start,
// or -1. String literals and escapes are skipped so braces inside JSON
// strings do not confuse the depth count.
func matchBalanced(text string, start int) int {
	open := text[start]
	var closer byte = '}'
	if open == '[' {
		closer = ']'
	}

	depth := 0
	inString := false
	for i := start; i < len(text); i++ {
		c := text[i]
		if inString {
			switch c {
			case '\\':
				i++
			case '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case open:
			depth++
		case closer:
			depth--
			if depth == 0 {
				return i
			}
		}
	}
	return -1
}

func parseActionFragment(fragment string) *meeting.Data {
	if strings.HasPrefix(fragment, "[") {
		var list []meeting.Data
		if err := json.Unmarshal([]byte(fragment), &list); err != nil || len(list) != 1 {
			return nil
		}
		return &list[0]
	}

	var data meeting.Data
	if err := json.Unmarshal([]byte(fragment), &data); err != nil {
		return nil
	}
	return &data
}
