package negotiation

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"unicode"

	"github.com/shopspring/decimal"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"

	"github.com/rickgao/farmlink-sync/internal/config"
	"github.com/rickgao/farmlink-sync/internal/model"
)

// Codec reads and writes the structured payloads carried in chat text:
//
//	<marker>: <integer> <currency>     price proposal
//	<invoice marker> <url>             invoice link
type Codec struct {
	cfg      config.NegotiationConfig
	proposal *regexp.Regexp
	invoice  *regexp.Regexp
}

// NewCodec compiles the patterns for cfg. Empty fields take the defaults.
func NewCodec(cfg config.NegotiationConfig) (*Codec, error) {
	if cfg.Marker == "" {
		cfg.Marker = config.DefaultProposalMarker
	}
	if cfg.Currency == "" {
		cfg.Currency = config.DefaultCurrency
	}
	if cfg.InvoiceMarker == "" {
		cfg.InvoiceMarker = config.DefaultInvoiceMarker
	}
	if cfg.AcceptTemplate == "" {
		cfg.AcceptTemplate = config.DefaultAcceptTemplate
	}
	if cfg.RejectTemplate == "" {
		cfg.RejectTemplate = config.DefaultRejectTemplate
	}

	proposal, err := regexp.Compile(`^` + quote(cfg.Marker) +
		`\s*:\s*([0-9]{1,3}(?:[,\x{066C}][0-9]{3})+|[0-9]+)\s*` + quote(cfg.Currency) + `$`)
	if err != nil {
		return nil, fmt.Errorf("compile proposal pattern: %w", err)
	}
	invoice, err := regexp.Compile(`^` + quote(cfg.InvoiceMarker) + `\s*(\S+)$`)
	if err != nil {
		return nil, fmt.Errorf("compile invoice pattern: %w", err)
	}
	return &Codec{cfg: cfg, proposal: proposal, invoice: invoice}, nil
}

// quote escapes a normalized marker and lets any run of spaces inside it
// match any run of whitespace.
func quote(marker string) string {
	fields := strings.Fields(normalize(marker))
	for i, f := range fields {
		fields[i] = regexp.QuoteMeta(f)
	}
	return strings.Join(fields, `\s+`)
}

// Decode classifies a message body.
func (c *Codec) Decode(body string) model.Content {
	text := normalize(body)

	if m := c.proposal.FindStringSubmatch(text); m != nil {
		digits := strings.NewReplacer(",", "", "\u066c", "").Replace(m[1])
		price, err := decimal.NewFromString(digits)
		if err == nil && price.IsPositive() {
			return model.Content{Kind: model.ContentPriceProposal, Price: price, Currency: c.cfg.Currency}
		}
	}

	if m := c.invoice.FindStringSubmatch(text); m != nil {
		if u, err := url.Parse(m[1]); err == nil && (u.Scheme == "http" || u.Scheme == "https") && u.Host != "" {
			return model.Content{Kind: model.ContentInvoiceLink, InvoiceURL: u.String()}
		}
	}

	return model.Content{Kind: model.ContentPlain}
}

// FormatProposal renders a proposal body for price.
func (c *Codec) FormatProposal(price decimal.Decimal) string {
	return fmt.Sprintf("%s: %s %s", c.cfg.Marker, price.Truncate(0).String(), c.cfg.Currency)
}

// FormatInvoice renders an invoice link body.
func (c *Codec) FormatInvoice(link string) string {
	return c.cfg.InvoiceMarker + " " + link
}

// Confirmation renders the chat message that records a decision.
func (c *Codec) Confirmation(d model.Decision, price decimal.Decimal) string {
	tpl := c.cfg.RejectTemplate
	if d == model.DecisionAccepted {
		tpl = c.cfg.AcceptTemplate
	}
	return fmt.Sprintf(tpl, price.String()+" "+c.cfg.Currency)
}

// arabicDigits folds Arabic-Indic and Extended Arabic-Indic (Persian) digits
// to ASCII.
var arabicDigits = runes.Map(func(r rune) rune {
	switch {
	case r >= '\u0660' && r <= '\u0669':
		return '0' + (r - '\u0660')
	case r >= '\u06f0' && r <= '\u06f9':
		return '0' + (r - '\u06f0')
	}
	return r
})

// isTatweel matches the Arabic elongation mark, which never changes meaning.
func isTatweel(r rune) bool { return r == '\u0640' }

// normalize applies NFKC, drops format characters (bidi marks, zero-width
// joiners) and tatweel, folds digits and collapses whitespace.
func normalize(s string) string {
	t := transform.Chain(
		norm.NFKC,
		runes.Remove(runes.In(unicode.Cf)),
		runes.Remove(runes.Predicate(isTatweel)),
		arabicDigits,
	)
	out, _, err := transform.String(t, s)
	if err != nil {
		out = s
	}
	return strings.Join(strings.Fields(out), " ")
}
