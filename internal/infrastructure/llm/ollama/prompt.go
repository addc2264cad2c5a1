package ollama

import (
	"encoding/json"
	"fmt"
	"unicode/utf8"

	"github.com/kirillkom/invoice-pipeline/internal/core/domain"
)

const summaryInstructions = `You are an accounts-payable assistant reviewing a batch of supplier invoices.
Return strict JSON object with keys:
summary (string, at most 6 sentences), recommendations (array of short strings).
Point out duplicates, unusually large amounts, missing due dates and overdue invoices.
No markdown, no extra keys.

Batch:
`

func buildSummaryPrompt(digest domain.BatchDigest, maxContentLength int) (string, error) {
	raw, err := json.Marshal(digest)
	if err != nil {
		return "", fmt.Errorf("marshal batch digest: %w", err)
	}
	body := string(raw)
	if maxContentLength > 0 && utf8.RuneCountInString(body) > maxContentLength {
		body = string([]rune(body)[:maxContentLength])
	}
	return summaryInstructions + body, nil
}
