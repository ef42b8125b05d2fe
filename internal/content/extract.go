package content

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
)

// ExtractText renders the document's visible text with normalized whitespace.
// When dropAfter selectors are set, the first matching element and everything
// after it in document order are discarded before rendering.
func ExtractText(doc *goquery.Document, dropAfter []string) string {
	for _, selector := range dropAfter {
		if selector == "" {
			continue
		}
		sel := doc.Find(selector).First()
		if len(sel.Nodes) == 0 {
			continue
		}
		truncateAt(sel.Nodes[0])
	}
	doc.Find("script, style, noscript, template").Remove()

	var parts []string
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			if text := strings.TrimSpace(n.Data); text != "" {
				parts = append(parts, text)
			}
			return
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	for _, root := range doc.Nodes {
		walk(root)
	}
	return strings.Join(strings.Fields(strings.Join(parts, " ")), " ")
}

// truncateAt removes n and every node after it in document order.
func truncateAt(n *html.Node) {
	for cur := n; cur != nil && cur.Parent != nil; {
		parent := cur.Parent
		for sibling := cur.NextSibling; sibling != nil; {
			next := sibling.NextSibling
			parent.RemoveChild(sibling)
			sibling = next
		}
		cur = parent
	}
	if n.Parent != nil {
		n.Parent.RemoveChild(n)
	}
}

// TextBySelectors returns the text of the first selector that yields non-empty
// text.
func TextBySelectors(doc *goquery.Document, selectors []string) string {
	for _, selector := range selectors {
		if selector == "" {
			continue
		}
		text := strings.TrimSpace(collapseSpace(doc.Find(selector).First().Text()))
		if text != "" {
			return text
		}
	}
	return ""
}

// ExtractTitle probes og:title, <title>, then the first <h1>.
func ExtractTitle(doc *goquery.Document) string {
	if content, ok := doc.Find(`meta[property="og:title"]`).Attr("content"); ok {
		if title := strings.TrimSpace(content); title != "" {
			return title
		}
	}
	if title := strings.TrimSpace(doc.Find("title").First().Text()); title != "" {
		return title
	}
	return strings.TrimSpace(doc.Find("h1").First().Text())
}

// ExtractMainImageURL picks the product image: an explicit selector override,
// then og:image, zoom/data attributes, and finally the <img> scan where the
// widest srcset candidate wins over a plain src.
func ExtractMainImageURL(doc *goquery.Document, baseURL, imageSelector string) string {
	if imageSelector != "" {
		node := doc.Find(imageSelector).First()
		if len(node.Nodes) > 0 {
			if img := imageFromNode(node, baseURL); img != "" {
				return img
			}
		}
	}

	if content, ok := doc.Find(`meta[property="og:image"]`).Attr("content"); ok && content != "" {
		return resolveRef(baseURL, content)
	}

	for _, attr := range []string{"data-zoom-image", "data-large_image", "data-src", "data-large-src"} {
		if value, ok := doc.Find("[" + attr + "]").First().Attr(attr); ok && value != "" {
			return resolveRef(baseURL, value)
		}
	}

	var found string
	doc.Find("img").EachWithBreak(func(_ int, node *goquery.Selection) bool {
		if img := imageFromNode(node, baseURL); img != "" {
			found = img
			return false
		}
		return true
	})
	return found
}

func imageFromNode(node *goquery.Selection, baseURL string) string {
	if srcset := firstAttr(node, "srcset", "data-srcset"); srcset != "" {
		if best := pickBestSrcset(srcset, baseURL); best != "" {
			return best
		}
	}
	if src := firstAttr(node, "src", "data-src", "data-nuxt-img"); src != "" {
		return resolveRef(baseURL, src)
	}
	var fromSource string
	node.Find("source").EachWithBreak(func(_ int, source *goquery.Selection) bool {
		if srcset := firstAttr(source, "srcset", "data-srcset"); srcset != "" {
			if best := pickBestSrcset(srcset, baseURL); best != "" {
				fromSource = best
				return false
			}
		}
		return true
	})
	return fromSource
}

// pickBestSrcset prefers width descriptors over density, highest value first.
func pickBestSrcset(srcset, baseURL string) string {
	var (
		bestURL      string
		bestPriority = -1
		bestScore    = -1.0
	)
	for _, part := range strings.Split(srcset, ",") {
		fields := strings.Fields(strings.TrimSpace(part))
		if len(fields) == 0 {
			continue
		}
		priority, score := 0, 0.0
		if len(fields) > 1 {
			descriptor := fields[1]
			if value, ok := strings.CutSuffix(descriptor, "w"); ok {
				priority = 2
				score, _ = strconv.ParseFloat(value, 64)
			} else if value, ok := strings.CutSuffix(descriptor, "x"); ok {
				priority = 1
				score, _ = strconv.ParseFloat(value, 64)
			}
		}
		if priority > bestPriority || (priority == bestPriority && score > bestScore) {
			bestPriority = priority
			bestScore = score
			bestURL = resolveRef(baseURL, fields[0])
		}
	}
	return bestURL
}

var pricePattern = regexp.MustCompile(`(?i)(\d[\d\s.,]*)(?:\s*(₽|руб(?:\.|ль|ля|лей)?))?`)

// CleanPrice normalizes an extracted price string: NBSPs stripped, the amount
// isolated, and the currency collapsed to "₽" or "руб.".
func CleanPrice(value string) string {
	normalized := strings.TrimSpace(strings.ReplaceAll(value, " ", " "))
	if normalized == "" {
		return ""
	}
	match := pricePattern.FindStringSubmatch(normalized)
	if match == nil || match[1] == "" {
		return ""
	}
	amount := strings.Join(strings.Fields(strings.Map(func(r rune) rune {
		if (r >= '0' && r <= '9') || r == '.' || r == ',' {
			return r
		}
		return ' '
	}, match[1])), " ")
	if amount == "" {
		return ""
	}
	currency := match[2]
	if currency == "" && strings.Contains(normalized, "₽") {
		currency = "₽"
	}
	if strings.HasPrefix(strings.ToLower(currency), "руб") {
		currency = "руб."
	}
	return strings.TrimSpace(amount + " " + currency)
}

func firstAttr(node *goquery.Selection, names ...string) string {
	for _, name := range names {
		if value, ok := node.Attr(name); ok && value != "" {
			return value
		}
	}
	return ""
}

func resolveRef(baseURL, ref string) string {
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(strings.TrimSpace(ref))
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
