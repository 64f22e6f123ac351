package format

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var paddedSeqRe = regexp.MustCompile(`\{SEQ(\d+)\}`)

const DefaultNumberTemplate = "INV-{YYYY}{MM}-{SEQ5}"

// InvoiceNumber expands a numbering template for the given creation time and
// per-organization sequence. Supported tokens: {YYYY} {YY} {MM} {DD} {SEQ} {SEQn}.
func InvoiceNumber(template string, at time.Time, seq int64) (string, error) {
	template = strings.TrimSpace(template)
	if template == "" {
		return "", fmt.Errorf("invoice number template is empty")
	}
	if seq <= 0 {
		return "", fmt.Errorf("invalid invoice sequence: %d", seq)
	}

	out := strings.NewReplacer(
		"{YYYY}", at.Format("2006"),
		"{YY}", at.Format("06"),
		"{MM}", at.Format("01"),
		"{DD}", at.Format("02"),
		"{SEQ}", strconv.FormatInt(seq, 10),
	).Replace(template)

	out = paddedSeqRe.ReplaceAllStringFunc(out, func(token string) string {
		width, err := strconv.Atoi(paddedSeqRe.FindStringSubmatch(token)[1])
		if err != nil || width <= 0 || width > 12 {
			return token
		}
		return fmt.Sprintf("%0*d", width, seq)
	})

	if strings.ContainsAny(out, "{}") {
		return "", fmt.Errorf("unresolved token in invoice number template: %s", out)
	}
	return out, nil
}
