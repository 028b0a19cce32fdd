package browser

import (
	"fmt"
	"io"
	"regexp"
	"strings"

	"bubbledrift/internal/types"

	"golang.org/x/net/html"
)

// recommendationClass marks the title anchor of each up-next lockup.
const recommendationClass = "yt-lockup-metadata-view-model__title"

var watchIDPattern = regexp.MustCompile(`/watch\?v=([a-zA-Z0-9_-]{11})`)

// ParseRecommendations extracts the up-next video ids from a watch page in
// document order. Anchors without a recognizable watch link are skipped.
// The returned videos carry no slant.
func ParseRecommendations(r io.Reader) ([]types.Video, error) {
	doc, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse watch page: %w", err)
	}

	recs := []types.Video{}
	var walk func(n *html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && n.Data == "a" && hasClass(n, recommendationClass) {
			if m := watchIDPattern.FindStringSubmatch(attr(n, "href")); m != nil {
				recs = append(recs, types.Video{ID: m[1]})
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(doc)
	return recs, nil
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasClass(n *html.Node, class string) bool {
	for _, c := range strings.Fields(attr(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}
