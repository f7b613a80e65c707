package features

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/ternarybob/phishwatch/internal/models"
)

// Ratio and score thresholds for the document indicators
const (
	anchorUpper    = 0.6
	anchorLower    = 0.31
	linkUpper      = 0.81
	linkLower      = 0.13
	requestUpper   = 0.51
	iframeUpper    = 6
	iframeLower    = 2
	scriptUpper    = 6
	scriptLower    = 2
	textUpper      = 0.008
	textLower      = 0.003
	formPhishScore = 5
	formSusScore   = 2
)

var (
	credentialWords = regexp.MustCompile(`(?i)(log[\s\-]?in|sign[\s\-]?in|auth|user(name)?|email|phone|account|` +
		`credential|password|passcode|pin|security[\s\-]?code|credit[\s\-]?card|cvv|expiry|iban|bank)`)

	highRiskScript = []*regexp.Regexp{
		regexp.MustCompile(`eval\s*\(`),
		regexp.MustCompile(`new\s+function\s*\(`),
		regexp.MustCompile(`document\.write\s*\(`),
		regexp.MustCompile(`onmouseover\s*=`),
		regexp.MustCompile(`settimeout\s*\(\s*['"]`),
	}
	mediumRiskScript = []*regexp.Regexp{
		regexp.MustCompile(`window\.location`),
		regexp.MustCompile(`innerhtml\s*=`),
		regexp.MustCompile(`onbeforeunload`),
	}
	lowRiskScript = []*regexp.Regexp{
		regexp.MustCompile(`navigator\.clipboard`),
		regexp.MustCompile(`xmlhttprequest`),
		regexp.MustCompile(`fetch\s*\(`),
	}

	rightClickButton = regexp.MustCompile(`event\s*\.\s*button\s*==\s*2`)
	metaRefresh      = regexp.MustCompile(`(?i)^\s*refresh\s*$`)

	formFieldKeywords = []string{"login", "signin", "verify", "auth", "password", "2fa", "secure"}
	trackerMarkers    = []string{"ads", "analytics", "pixel", "tracker", "doubleclick"}

	safeScriptHosts = []string{
		"cloudflare.com", "jsdelivr.net", "googleapis.com", "gstatic.com", "bootstrapcdn.com",
		"aspnetcdn.com", "jquery.com", "shopify.com", "wix.com", "unpkg.com", "google.com",
		"microsoft.com", "cloudfront.net", "fbcdn.net", "facebook.com", "yahooapis.com",
		"notion.so", "vercel.app", "netlify.app", "cloudinary.com",
	}
	safeIconHosts = append([]string{
		"googleusercontent.com", "youtube.com", "ytimg.com", "apple.com", "office.com", "live.com",
		"microsoftonline.com", "adobe.com", "typekit.net", "instagram.com", "twitter.com", "twimg.com",
		"linkedin.com", "licdn.com", "akamaihd.net", "akamaized.net", "fastly.net", "github.com",
		"githubusercontent.com", "githubassets.com", "wp.com", "squarespace.com", "squarespace-cdn.com",
		"wixstatic.com", "paypal.com", "paypalobjects.com", "amazon.com", "amazonaws.com", "yahoo.com",
		"yimg.com", "firebaseapp.com",
	}, safeScriptHosts...)
)

// ExtractDocument computes the document indicators for the HTML of pageURL.
// Each indicator is Legitimate, Suspicious or Phishing, except the counts.
func ExtractDocument(html, pageURL string) (models.FeatureMap, error) {
	base, host, err := parseTarget(pageURL)
	if err != nil {
		return nil, err
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, fmt.Errorf("failed to parse document: %w", err)
	}

	d := &document{doc: doc, base: base, domain: registrableDomain(host)}

	return models.FeatureMap{
		"favicon":              d.favicon(),
		"anchor_url":           d.anchors(),
		"links_in_tags":        d.linksInTags(),
		"request_url":          d.requestURL(),
		"server_form_handler":  d.formHandler(),
		"iframe":               d.iframes(),
		"suspicious_js":        d.scripts(),
		"credential_text":      d.credentialText(),
		"textual_tags":         d.textualTags(),
		"auto_redirect":        d.autoRedirect(),
		"onmouseover":          d.onMouseOver(),
		"right_click_disabled": d.rightClickBlock(),
		"password_fields":      d.passwordFields(),
		"form_count":           doc.Find("form").Length(),
		"script_count":         doc.Find("script").Length(),
	}, nil
}

type document struct {
	doc    *goquery.Document
	base   *url.URL
	domain string
}

func (d *document) passwordFields() int {
	return d.doc.Find("input[type]").FilterFunction(func(_ int, s *goquery.Selection) bool {
		return strings.EqualFold(s.AttrOr("type", ""), "password")
	}).Length()
}

func (d *document) external(ref string) bool {
	domain := referenceDomain(d.base, ref)
	return domain != "" && domain != d.domain
}

func (d *document) favicon() int {
	result := Legitimate
	d.doc.Find("link[href]").EachWithBreak(func(_ int, s *goquery.Selection) bool {
		rel, _ := s.Attr("rel")
		if !strings.Contains(strings.ToLower(rel), "icon") {
			return true
		}
		href, _ := s.Attr("href")
		domain := referenceDomain(d.base, href)
		if domain == "" || hostMatches(domain, safeIconHosts) {
			return true
		}
		if domain != d.domain {
			result = Phishing
			return false
		}
		path := strings.ToLower(strings.SplitN(href, "?", 2)[0])
		if !strings.HasSuffix(path, ".ico") && !strings.HasSuffix(path, ".png") &&
			!strings.HasSuffix(path, ".gif") && !strings.HasSuffix(path, ".svg") {
			result = Phishing
			return false
		}
		return true
	})
	return result
}

func (d *document) anchors() int {
	links := d.doc.Find("a[href]")
	total := links.Length()
	if total == 0 {
		return Legitimate
	}

	phishy := 0
	links.Each(func(_ int, s *goquery.Selection) {
		href := strings.TrimSpace(s.AttrOr("href", ""))
		switch strings.ToLower(href) {
		case "", "#", "javascript:void(0);", "javascript:void(0)", "javascript:":
			phishy++
			return
		}
		if d.external(href) {
			phishy++
		}
	})

	ratio := float64(phishy) / float64(total)
	switch {
	case ratio > anchorUpper:
		return Phishing
	case ratio >= anchorLower:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) linksInTags() int {
	var refs []string
	d.doc.Find("meta[content]").Each(func(_ int, s *goquery.Selection) {
		refs = append(refs, s.AttrOr("content", ""))
	})
	d.doc.Find("script[src]").Each(func(_ int, s *goquery.Selection) {
		refs = append(refs, s.AttrOr("src", ""))
	})
	d.doc.Find("link[href]").Each(func(_ int, s *goquery.Selection) {
		refs = append(refs, s.AttrOr("href", ""))
	})
	if len(refs) == 0 {
		return Legitimate
	}

	phishy := 0
	for _, ref := range refs {
		if d.external(ref) {
			phishy++
		}
	}

	ratio := float64(phishy) / float64(len(refs))
	switch {
	case ratio > linkUpper:
		return Phishing
	case ratio > linkLower:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) requestURL() int {
	sources := d.doc.Find("img[src], source[src], audio[src], video[src], embed[src], iframe[src]")
	total := sources.Length()
	if total == 0 {
		return Legitimate
	}

	external := 0
	sources.Each(func(_ int, s *goquery.Selection) {
		if d.external(s.AttrOr("src", "")) {
			external++
		}
	})

	if float64(external)/float64(total) >= requestUpper {
		return Phishing
	}
	return Legitimate
}

func (d *document) formHandler() int {
	score := 0
	d.doc.Find("form").Each(func(_ int, form *goquery.Selection) {
		action := strings.ToLower(strings.TrimSpace(form.AttrOr("action", "")))
		switch {
		case action == "" || action == "#" || action == "about:blank":
			score += 2
		case d.external(action):
			score += 4
		}

		form.Find("input").Each(func(_ int, input *goquery.Selection) {
			if strings.EqualFold(input.AttrOr("type", ""), "password") {
				score += 2
			}
			name := strings.ToLower(input.AttrOr("name", ""))
			for _, keyword := range formFieldKeywords {
				if strings.Contains(name, keyword) {
					score++
					break
				}
			}
		})
	})

	switch {
	case score >= formPhishScore:
		return Phishing
	case score >= formSusScore:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) iframes() int {
	score := 0
	d.doc.Find("iframe").Each(func(_ int, s *goquery.Selection) {
		src := strings.ToLower(strings.TrimSpace(s.AttrOr("src", "")))
		for _, marker := range trackerMarkers {
			if strings.Contains(src, marker) {
				return
			}
		}

		style := strings.ReplaceAll(strings.ToLower(s.AttrOr("style", "")), " ", "")
		if strings.Contains(style, "display:none") || strings.Contains(style, "visibility:hidden") {
			score += 3
		}
		if strings.TrimSpace(s.AttrOr("width", "")) == "0" || strings.TrimSpace(s.AttrOr("height", "")) == "0" {
			score += 2
		}
		if src != "" && d.external(src) {
			score += 2
		}
		if _, sandboxed := s.Attr("sandbox"); !sandboxed {
			score++
		}

		srcdoc := strings.ToLower(s.AttrOr("srcdoc", ""))
		if srcdoc == "" {
			return
		}
		if inner, err := goquery.NewDocumentFromReader(strings.NewReader(srcdoc)); err == nil &&
			credentialWords.MatchString(inner.Text()) {
			score += 3
		}
		if strings.Contains(srcdoc, "<script") || strings.Contains(srcdoc, "javascript:") {
			score += 3
		}
		if strings.Contains(srcdoc, "display:none") || strings.Contains(srcdoc, "visibility:hidden") {
			score += 2
		}
	})

	switch {
	case score >= iframeUpper:
		return Phishing
	case score >= iframeLower:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) scripts() int {
	score := 0
	d.doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		if src, ok := s.Attr("src"); ok {
			domain := referenceDomain(d.base, src)
			if domain != "" && domain != d.domain && !hostMatches(domain, safeScriptHosts) {
				score++
			}
			return
		}

		content := strings.ToLower(s.Text())
		for _, p := range highRiskScript {
			if p.MatchString(content) {
				score += 3
			}
		}
		for _, p := range mediumRiskScript {
			if p.MatchString(content) {
				score += 2
			}
		}
		for _, p := range lowRiskScript {
			if p.MatchString(content) {
				score++
			}
		}
	})

	switch {
	case score >= scriptUpper:
		return Phishing
	case score >= scriptLower:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) credentialText() int {
	text := strings.ToLower(d.doc.Find("body").Text())
	matches := credentialWords.FindAllString(text, -1)
	if len(matches) == 0 {
		return Legitimate
	}

	words := len(strings.Fields(text))
	if words == 0 {
		return Legitimate
	}

	ratio := float64(len(matches)) / float64(words)
	switch {
	case ratio > textUpper:
		return Phishing
	case ratio > textLower:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) textualTags() int {
	var parts []string
	d.doc.Find("meta, script").Each(func(_ int, s *goquery.Selection) {
		combined := strings.TrimSpace(s.AttrOr("content", "") + " " + s.Text())
		if combined != "" {
			parts = append(parts, combined)
		}
	})
	if len(parts) == 0 {
		return Legitimate
	}

	text := strings.ToLower(strings.Join(parts, " "))
	words := len(strings.Fields(text))
	if words == 0 {
		return Legitimate
	}
	ratio := float64(len(credentialWords.FindAllString(text, -1))) / float64(words)

	upper, lower := 0.03, 0.01
	if words < 50 {
		upper, lower = 0.05, 0.015
	}
	switch {
	case ratio > upper:
		return Phishing
	case ratio > lower:
		return Suspicious
	default:
		return Legitimate
	}
}

func (d *document) autoRedirect() int {
	refresh := false
	d.doc.Find("meta[http-equiv]").Each(func(_ int, s *goquery.Selection) {
		if metaRefresh.MatchString(s.AttrOr("http-equiv", "")) {
			refresh = true
		}
	})
	if refresh {
		return Phishing
	}

	redirect := false
	d.doc.Find("script").Not("[src]").Each(func(_ int, s *goquery.Selection) {
		content := strings.ToLower(s.Text())
		if strings.Contains(content, "location.href") || strings.Contains(content, "location.replace") {
			redirect = true
		}
	})
	if redirect {
		return Phishing
	}
	return Legitimate
}

func (d *document) onMouseOver() int {
	if d.doc.Find("[onmouseover]").Length() > 0 {
		return Phishing
	}
	found := false
	d.doc.Find("script").Not("[src]").Each(func(_ int, s *goquery.Selection) {
		if strings.Contains(strings.ToLower(s.Text()), "onmouseover") {
			found = true
		}
	})
	if found {
		return Phishing
	}
	return Legitimate
}

func (d *document) rightClickBlock() int {
	if d.doc.Find("[oncontextmenu]").Length() > 0 {
		return Phishing
	}
	found := false
	d.doc.Find("script").Not("[src]").Each(func(_ int, s *goquery.Selection) {
		content := strings.ToLower(s.Text())
		if rightClickButton.MatchString(content) || strings.Contains(content, "contextmenu") {
			found = true
		}
	})
	if found {
		return Phishing
	}
	return Legitimate
}
