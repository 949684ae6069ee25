package scan

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"regexp"
	"slices"
	"strings"

	"golang.org/x/net/html"
)

const (
	maxLinks          = 50
	maxImages         = 20
	maxPageText       = 8000
	maxCustomMatches  = 10
	maxCustomHTMLSize = 500
)

func (s *Scanner) content(ctx context.Context, p *page, goals []string) map[string]any {
	data := map[string]any{
		"url":              p.url.String(),
		"title":            "",
		"meta_description": "",
	}
	if titles := mustQueryAll(p.doc, "title"); len(titles) > 0 {
		data["title"] = innerText(titles[0])
	}
	if metas := mustQueryAll(p.doc, `meta[name="description"]`); len(metas) > 0 {
		data["meta_description"] = attrOr(metas[0], "content", "")
	}

	text := ""
	if bodies := mustQueryAll(p.doc, "body"); len(bodies) > 0 {
		text = innerText(bodies[0])
	}
	data["text_content"] = text

	headings := []map[string]any{}
	for _, h := range mustQueryAll(p.doc, "h1, h2, h3, h4, h5, h6") {
		t := innerText(h)
		if t == "" {
			continue
		}
		headings = append(headings, map[string]any{"level": int(h.Data[1] - '0'), "text": t, "tag": h.Data})
	}
	data["headings"] = headings

	links := []map[string]any{}
	for _, a := range mustQueryAll(p.doc, "a[href]") {
		if len(links) == maxLinks {
			break
		}
		href, _ := attr(a, "href")
		if href == "" {
			continue
		}
		links = append(links, map[string]any{"url": href, "text": innerText(a), "internal": isInternal(p.url, href)})
	}
	data["links"] = links

	images := []map[string]any{}
	for _, img := range mustQueryAll(p.doc, "img[src]") {
		if len(images) == maxImages {
			break
		}
		src, _ := attr(img, "src")
		images = append(images, map[string]any{"src": src, "alt": attrOr(img, "alt", "")})
	}
	data["images"] = images

	if len(goals) > 0 && s.goals != nil {
		extractions := make(map[string]string, len(goals))
		for _, goal := range goals {
			out, err := s.goals.ExtractGoal(ctx, goal, truncate(text, maxPageText))
			if err != nil {
				slog.WarnContext(ctx, "goal extraction failed", "goal", goal, "error", err)
				out = "Extraction failed: " + err.Error()
			}
			extractions[goal] = out
		}
		data["goal_extractions"] = extractions
	}
	return data
}

func isInternal(base *url.URL, href string) bool {
	u, err := url.Parse(href)
	if err != nil {
		return false
	}
	return u.Host == "" || strings.EqualFold(u.Host, base.Host)
}

func structure(p *page) map[string]any {
	forms := []map[string]any{}
	for _, f := range mustQueryAll(p.doc, "form") {
		inputs := []map[string]any{}
		for _, in := range mustQueryAll(f, "input, select, textarea") {
			typ := attrOr(in, "type", "text")
			if in.Data != "input" {
				typ = in.Data
			}
			_, required := attr(in, "required")
			inputs = append(inputs, map[string]any{
				"type":     typ,
				"name":     attrOr(in, "name", ""),
				"id":       attrOr(in, "id", ""),
				"required": required,
			})
		}
		forms = append(forms, map[string]any{
			"action": attrOr(f, "action", ""),
			"method": strings.ToUpper(attrOr(f, "method", "GET")),
			"inputs": inputs,
		})
	}
	return map[string]any{
		"element_count":            countElements(p.doc),
		"clickable_elements_count": len(mustQueryAll(p.doc, "a[href], button, input, select, textarea, [onclick], [role=button]")),
		"dom_depth":                depth(p.doc),
		"forms":                    forms,
		"technologies":             technologies(p),
	}
}

var techPatterns = []struct {
	name string
	re   *regexp.Regexp
}{
	{"jQuery", regexp.MustCompile(`(?i)jquery`)},
	{"React", regexp.MustCompile(`(?i)react(-dom)?(\.production|\.development)?(\.min)?\.js`)},
	{"Vue.js", regexp.MustCompile(`(?i)vue(\.runtime)?(\.global)?(\.min)?\.js`)},
	{"Angular", regexp.MustCompile(`(?i)angular`)},
	{"Bootstrap", regexp.MustCompile(`(?i)bootstrap`)},
}

func technologies(p *page) []string {
	var sources []string
	for _, n := range mustQueryAll(p.doc, "script[src], link[href]") {
		src := attrOr(n, "src", attrOr(n, "href", ""))
		sources = append(sources, src)
	}
	techs := []string{}
	for _, t := range techPatterns {
		for _, src := range sources {
			if t.re.MatchString(src) {
				techs = append(techs, t.name)
				break
			}
		}
	}
	if len(mustQueryAll(p.doc, "[data-reactroot], #__next")) > 0 && !slices.Contains(techs, "React") {
		techs = append(techs, "React")
	}
	if len(mustQueryAll(p.doc, "[ng-app], [ng-version]")) > 0 && !slices.Contains(techs, "Angular") {
		techs = append(techs, "Angular")
	}
	if gens := mustQueryAll(p.doc, `meta[name="generator"]`); len(gens) > 0 {
		techs = append(techs, "Generator: "+attrOr(gens[0], "content", ""))
	}
	if powered := p.header.Get("X-Powered-By"); powered != "" {
		techs = append(techs, "Powered by: "+powered)
	}
	return techs
}

func accessibility(p *page) map[string]any {
	h1 := len(mustQueryAll(p.doc, "h1"))
	lang := ""
	if roots := mustQueryAll(p.doc, "html"); len(roots) > 0 {
		lang = attrOr(roots[0], "lang", "")
	}
	return map[string]any{
		"images_without_alt":        len(mustQueryAll(p.doc, "img:not([alt])")),
		"h1_count":                  h1,
		"proper_heading_structure":  h1 == 1,
		"elements_with_aria_labels": len(mustQueryAll(p.doc, "[aria-label], [aria-labelledby]")),
		"inputs_without_labels":     unlabeledInputs(p.doc),
		"html_lang":                 lang,
	}
}

func unlabeledInputs(doc *html.Node) int {
	labelled := map[string]bool{}
	for _, l := range mustQueryAll(doc, "label[for]") {
		v, _ := attr(l, "for")
		labelled[v] = true
	}
	n := 0
	for _, in := range mustQueryAll(doc, `input:not([type=hidden]):not([type=submit]):not([type=button]), select, textarea`) {
		if _, ok := attr(in, "aria-label"); ok {
			continue
		}
		if _, ok := attr(in, "aria-labelledby"); ok {
			continue
		}
		if id, ok := attr(in, "id"); ok && labelled[id] {
			continue
		}
		if hasAncestor(in, "label") {
			continue
		}
		n++
	}
	return n
}

func hasAncestor(n *html.Node, tag string) bool {
	for p := n.Parent; p != nil; p = p.Parent {
		if p.Type == html.ElementNode && p.Data == tag {
			return true
		}
	}
	return false
}

var securityHeaders = []string{
	"Content-Security-Policy",
	"X-Frame-Options",
	"X-Content-Type-Options",
	"Strict-Transport-Security",
}

func security(p *page) map[string]any {
	headers := make(map[string]bool, len(securityHeaders))
	for _, h := range securityHeaders {
		headers[strings.ToLower(h)] = p.header.Get(h) != ""
	}
	return map[string]any{
		"is_https":              p.url.Scheme == "https",
		"mixed_content_scripts": len(mustQueryAll(p.doc, `script[src^="http://"]`)),
		"mixed_content_images":  len(mustQueryAll(p.doc, `img[src^="http://"]`)),
		"insecure_forms":        len(mustQueryAll(p.doc, `form[action^="http://"]`)),
		"security_headers":      headers,
	}
}

func performance(p *page) map[string]any {
	scripts := len(mustQueryAll(p.doc, "script[src]"))
	styles := len(mustQueryAll(p.doc, `link[rel~="stylesheet"]`))
	images := len(mustQueryAll(p.doc, "img[src]"))
	return map[string]any{
		"timing": map[string]int64{
			"time_to_first_byte_ms": p.ttfb.Milliseconds(),
			"download_ms":           p.download.Milliseconds(),
		},
		"page_size_bytes": p.size,
		"resources": map[string]int{
			"total":       scripts + styles + images,
			"scripts":     scripts,
			"stylesheets": styles,
			"images":      images,
		},
	}
}

// customExtraction applies each selector independently; a bad selector only
// affects its own entry.
func customExtraction(p *page, selectors []string) map[string]any {
	out := make(map[string]any, len(selectors))
	for _, sel := range selectors {
		nodes, err := queryAll(p.doc, sel)
		if err != nil {
			out[sel] = map[string]any{"error": fmt.Sprintf("invalid selector: %v", err)}
			continue
		}
		items := []map[string]any{}
		for _, n := range nodes[:min(len(nodes), maxCustomMatches)] {
			items = append(items, map[string]any{
				"text": innerText(n),
				"html": truncate(innerHTML(n), maxCustomHTMLSize),
			})
		}
		out[sel] = items
	}
	return out
}
