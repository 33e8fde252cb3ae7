package parser

import (
	"bufio"
	"io"
	"strings"

	"github.com/grafana/regexp"
)

// ListingEntry is one #EXTINF record of an M3U channel listing.
type ListingEntry struct {
	URL        string            // Line following the #EXTINF tag
	Name       string            // Display name after the last unquoted comma
	Attributes map[string]string // key="value" attributes (tvg-id, tvg-logo, group-title...)
}

// attrRegex matches key="value" pairs; values may contain spaces and commas.
var attrRegex = regexp.MustCompile(`([A-Za-z0-9_-]+)="([^"]*)"`)

// ParseListing reads an M3U channel listing. Entries without a following URL
// line are dropped; comment and directive lines between an #EXTINF and its URL
// are skipped.
func ParseListing(reader io.Reader) ([]ListingEntry, error) {
	var entries []ListingEntry
	scanner := bufio.NewScanner(reader)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var current *ListingEntry
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case strings.HasPrefix(line, "#EXTINF:"):
			attrs := ParseEXTINF(line)
			name := attrs["display-name"]
			if name == "" {
				name = attrs["tvg-name"]
			}
			current = &ListingEntry{Name: name, Attributes: attrs}
		case strings.HasPrefix(line, "#"):
			continue
		case current != nil:
			current.URL = line
			entries = append(entries, *current)
			current = nil
		}
	}
	return entries, scanner.Err()
}

// ParseEXTINF splits an #EXTINF line into its duration, quoted attributes and
// the trailing display name (stored as "tvg-name" when the attribute itself is
// absent).
func ParseEXTINF(line string) map[string]string {
	attrs := make(map[string]string)

	line = strings.TrimPrefix(line, "#EXTINF:")

	// The last comma outside quotes separates attributes from the name.
	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}

	attrPart := line
	channelName := ""
	if lastComma != -1 {
		attrPart = line[:lastComma]
		channelName = strings.TrimSpace(line[lastComma+1:])
	}

	if parts := strings.Fields(attrPart); len(parts) > 0 {
		attrs["duration"] = parts[0]
	}
	for _, m := range attrRegex.FindAllStringSubmatch(attrPart, -1) {
		attrs[m[1]] = m[2]
	}

	if channelName != "" {
		attrs["display-name"] = channelName
		if attrs["tvg-name"] == "" {
			attrs["tvg-name"] = channelName
		}
	}
	return attrs
}
