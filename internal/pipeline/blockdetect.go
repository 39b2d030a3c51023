package pipeline

import (
	"strings"

	"github.com/rotisserie/eris"

	"github.com/sells-group/chatmap-cli/pkg/jina"
)

// maxChallengeLen bounds the text a challenge signature may appear in.
// Longer pages that merely mention one are real content.
const maxChallengeLen = 1000

var challengeSignatures = []string{
	"checking your browser",
	"enable javascript",
	"please enable cookies",
	"access denied",
	"403 forbidden",
	"just a moment",
	"cloudflare",
	"attention required",
}

// ValidateJinaResponse reports why a Reader response is unusable as link
// metadata, or nil when it is usable. Non-200 codes, empty pages and bot
// challenge interstitials are all rejected.
func ValidateJinaResponse(resp *jina.ReadResponse) error {
	if resp == nil {
		return eris.New("scrape: empty response")
	}

	// Code 0 means the reader omitted it.
	if resp.Code != 0 && resp.Code != 200 {
		return eris.Errorf("scrape: reader returned code %d", resp.Code)
	}

	title := strings.TrimSpace(resp.Data.Title)
	desc := strings.TrimSpace(resp.Data.Description)
	content := strings.TrimSpace(resp.Data.Content)
	if title == "" && desc == "" && content == "" {
		return eris.New("scrape: empty page")
	}

	text := strings.ToLower(title + "\n" + desc + "\n" + content)
	if len(text) >= maxChallengeLen {
		return nil
	}
	for _, sig := range challengeSignatures {
		if strings.Contains(text, sig) {
			return eris.Errorf("scrape: blocked page (%s)", sig)
		}
	}
	return nil
}
