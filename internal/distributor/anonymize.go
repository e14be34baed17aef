package distributor

import (
	"fmt"
	"regexp"

	"github.com/guardiao/backend/internal/domain"
)

// AccusedLabel marks the accused in evidence views.
const AccusedLabel = "🔴 Accused"

var mentionPattern = regexp.MustCompile(`<@!?\d+>`)

// EvidenceLine is one anonymized message of the evidence view.
type EvidenceLine struct {
	Author         string   `json:"author"`
	Content        string   `json:"content"`
	AttachmentURLs []string `json:"attachment_urls,omitempty"`
	SentAt         string   `json:"sent_at"`
}

// Anonymize renders captured messages for reviewers. The accused keeps a
// fixed prominent label; every other participant is enumerated "User N"
// in order of first appearance, stable within the report. Mentions in
// message bodies are rewritten so no identity leaks. Input order is
// preserved (the store returns newest first).
func Anonymize(msgs []*domain.CapturedMessage, accusedID int64) []EvidenceLine {
	aliases := make(map[int64]string)
	next := 1

	out := make([]EvidenceLine, 0, len(msgs))
	for _, m := range msgs {
		alias, ok := aliases[m.AuthorID]
		if !ok {
			if m.AuthorID == accusedID {
				alias = AccusedLabel
			} else {
				alias = fmt.Sprintf("User %d", next)
				next++
			}
			aliases[m.AuthorID] = alias
		}
		out = append(out, EvidenceLine{
			Author:         alias,
			Content:        mentionPattern.ReplaceAllString(m.Content, "[User]"),
			AttachmentURLs: m.AttachmentURLs,
			SentAt:         m.SentAt.UTC().Format("2006-01-02 15:04:05"),
		})
	}
	return out
}
