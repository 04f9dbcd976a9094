package catalog

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/net/html"
)

// Ref is a resolved reference table attached to an attribute: either a plain
// enumeration of allowed values or a code to label dictionary.
type Ref struct {
	Enum  []string          `json:"enum,omitempty"`
	Codes map[string]string `json:"codes,omitempty"`
}

var ErrNoCodeTable = errors.New("no code table found")

// Header cells that name the label column of a code table.
var labelHeaderHints = []string{"定義", "分類", "種別", "対象", "区分"}

// ParseCodeList reads a code-list page. A table whose header has a コード column
// becomes a code dictionary; a table headed by 定数 becomes an enumeration.
func ParseCodeList(r io.Reader) (*Ref, error) {
	root, err := html.Parse(r)
	if err != nil {
		return nil, fmt.Errorf("parse code list: %w", err)
	}

	rows := tableRows(root)
	if len(rows) == 0 || len(rows[0]) == 0 {
		return nil, ErrNoCodeTable
	}
	headers := rows[0]

	codeIdx := indexOf(headers, func(h string) bool { return h == "コード" })
	if codeIdx >= 0 {
		nameIdx := indexOf(headers, func(h string) bool {
			if h == "対応する内容" || h == "内容" {
				return true
			}
			for _, hint := range labelHeaderHints {
				if strings.Contains(h, hint) {
					return true
				}
			}
			return false
		})
		if nameIdx < 0 {
			return nil, fmt.Errorf("code list: no label column in headers %q", headers)
		}
		codes := make(map[string]string)
		for _, row := range rows {
			if len(row) < 2 || codeIdx >= len(row) || nameIdx >= len(row) {
				continue
			}
			code, name := row[codeIdx], row[nameIdx]
			if code != "" && code != "コード" && name != "" {
				codes[code] = name
			}
		}
		if len(codes) == 0 {
			return nil, ErrNoCodeTable
		}
		return &Ref{Codes: codes}, nil
	}

	if strings.Contains(headers[0], "定数") {
		var values []string
		for _, row := range rows {
			for _, cell := range row {
				if cell != "" && cell != "定数" {
					values = append(values, cell)
				}
			}
		}
		if len(values) == 0 {
			return nil, ErrNoCodeTable
		}
		return &Ref{Enum: values}, nil
	}
	return nil, ErrNoCodeTable
}

func parseCodeListFile(path string) (*Ref, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open code list %s: %w", path, err)
	}
	defer f.Close()
	ref, err := ParseCodeList(f)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return ref, nil
}

// tableRows collects the text of every td/th cell, grouped by tr, across all tables.
func tableRows(n *html.Node) [][]string {
	var rows [][]string
	var walk func(*html.Node)
	walk = func(nd *html.Node) {
		if nd.Type == html.ElementNode && nd.Data == "tr" {
			var cells []string
			for c := nd.FirstChild; c != nil; c = c.NextSibling {
				if c.Type == html.ElementNode && (c.Data == "td" || c.Data == "th") {
					cells = append(cells, cellText(c))
				}
			}
			rows = append(rows, cells)
			return
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return rows
}

func cellText(n *html.Node) string {
	var parts []string
	var walk func(*html.Node)
	walk = func(nd *html.Node) {
		if nd.Type == html.TextNode {
			if s := strings.TrimSpace(nd.Data); s != "" {
				parts = append(parts, s)
			}
		}
		for c := nd.FirstChild; c != nil; c = c.NextSibling {
			walk(c)
		}
	}
	walk(n)
	return strings.Join(parts, " ")
}

func indexOf(items []string, pred func(string) bool) int {
	for i, s := range items {
		if pred(s) {
			return i
		}
	}
	return -1
}
