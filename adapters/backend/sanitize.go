package backend

import "regexp"

// The agent sometimes leaks its internal reasoning format into the
// user-facing text field. Every reply's response text goes through
// SanitizeResponse before it is displayed or spoken.
var (
	reAIBlock     = regexp.MustCompile(`@@AI@@[\s\S]*?@@END@@`)
	reDataBlock   = regexp.MustCompile(`@@DATA@@[\s\S]*?@@END@@`)
	reJSONObject  = regexp.MustCompile(`\{[^{}]*\}`)
	reJSONSpan    = regexp.MustCompile(`\{[\s\S]*?\}`)
	reArtifacts   = regexp.MustCompile(`[{}\[\]"]`)
	reMarkdown    = regexp.MustCompile("[*_`#]")
	reKeywords    = regexp.MustCompile(`(?i)\b(extracted|missing|action|next_question|navigate_\w+|none|muc_dich|so_ban)\b`)
	reColonComma  = regexp.MustCompile(`:\s*,`)
	reDoubleComma = regexp.MustCompile(`,\s*,`)
	reColonSpace  = regexp.MustCompile(`\s*:\s*`)
	reWhitespace  = regexp.MustCompile(`\s+`)
	reLeadPunct   = regexp.MustCompile(`^[\s,.:]+`)
	reTrailPunct  = regexp.MustCompile(`[\s,.:]+$`)
)

// SanitizeResponse strips embedded structured-data markup from reply text:
// delimited data blocks, inline JSON braces and brackets, markdown emphasis,
// and bare technical keywords. Mandatory for every reply regardless of
// delivery mode.
func SanitizeResponse(text string) string {
	if text == "" {
		return ""
	}
	cleaned := text
	cleaned = reAIBlock.ReplaceAllString(cleaned, "")
	cleaned = reDataBlock.ReplaceAllString(cleaned, "")
	cleaned = reJSONObject.ReplaceAllString(cleaned, "")
	cleaned = reJSONSpan.ReplaceAllString(cleaned, "")
	cleaned = reArtifacts.ReplaceAllString(cleaned, "")
	cleaned = reMarkdown.ReplaceAllString(cleaned, "")
	cleaned = reKeywords.ReplaceAllString(cleaned, "")
	cleaned = reColonComma.ReplaceAllString(cleaned, "")
	cleaned = reDoubleComma.ReplaceAllString(cleaned, ",")
	cleaned = reColonSpace.ReplaceAllString(cleaned, " ")
	cleaned = reWhitespace.ReplaceAllString(cleaned, " ")
	cleaned = reLeadPunct.ReplaceAllString(cleaned, "")
	cleaned = reTrailPunct.ReplaceAllString(cleaned, "")
	return cleaned
}
