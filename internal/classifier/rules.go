package classifier

import (
	"strings"

	"mailtriage/internal/model"
)

// rule is one deterministic pattern-matching branch. Rules are evaluated in
// fixed priority order and the first match wins, so the ordering is a
// deliberate tie-break: a scam mail mentioning "invoice" must land in spam,
// a promotional invoice must land in invoices, not newsletters.
type rule struct {
	category   model.Category
	confidence float64
	rationale  string
	keywords   []string
}

var orderedRules = []rule{
	{
		category:   model.CategorySpam,
		confidence: 0.9,
		rationale:  "matched known spam patterns",
		keywords: []string{
			"lottery", "you won", "you've won", "winner", "prize",
			"claim your", "wire transfer", "inheritance", "act now",
			"viagra", "crypto giveaway", "verify your account immediately",
		},
	},
	{
		category:   model.CategoryInvoices,
		confidence: 0.85,
		rationale:  "matched billing or invoice patterns",
		keywords: []string{
			"invoice", "receipt", "payment due", "billing", "billed",
			"order confirmation", "statement", "purchase order", "amount due",
		},
	},
	{
		category:   model.CategoryNewsletters,
		confidence: 0.8,
		rationale:  "matched newsletter or notification patterns",
		keywords: []string{
			"unsubscribe", "newsletter", "digest", "view in browser",
			"weekly update", "no-reply", "noreply", "notification settings",
		},
	},
	{
		category:   model.CategoryUrgent,
		confidence: 0.75,
		rationale:  "matched urgency patterns",
		keywords: []string{
			"urgent", "asap", "action required", "deadline", "critical",
			"immediately", "time sensitive", "overdue",
		},
	},
}

// freeMailDomains 个人邮箱域名，用于 personal 启发式
var freeMailDomains = []string{
	"@gmail.com", "@yahoo.com", "@outlook.com", "@hotmail.com", "@icloud.com",
}

// ClassifyByRules deterministically classifies a message with the ordered
// rule set. It always returns a result; the lowest-confidence "business"
// branch is the universal default.
func ClassifyByRules(e model.Email) model.Classification {
	haystack := strings.ToLower(e.Subject + " " + e.Snippet + " " + e.Sender)

	for _, r := range orderedRules {
		for _, kw := range r.keywords {
			if strings.Contains(haystack, kw) {
				return model.Classification{
					Category:   r.category,
					Confidence: r.confidence,
					Rationale:  r.rationale,
					Source:     model.SourceRules,
				}
			}
		}
	}

	sender := strings.ToLower(e.Sender)
	for _, domain := range freeMailDomains {
		if strings.Contains(sender, domain) {
			return model.Classification{
				Category:   model.CategoryPersonal,
				Confidence: 0.55,
				Rationale:  "sender uses a personal mail domain",
				Source:     model.SourceRules,
			}
		}
	}

	return model.Classification{
		Category:   model.CategoryBusiness,
		Confidence: 0.45,
		Rationale:  "no pattern matched, defaulting to business",
		Source:     model.SourceRules,
	}
}
