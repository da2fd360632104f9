//
// Tencent is pleased to support the open source community by making trpc-studio-go available.
//
// Copyright (C) 2025 Tencent.  All rights reserved.
//
// trpc-studio-go is licensed under the Apache License Version 2.0.
//
//

package workflow

import (
	"os"
	"strings"

	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/ast"
	"github.com/yuin/goldmark/text"
)

// Shared parser. A goldmark.Markdown is safe for concurrent use.
var markdown = goldmark.New()

// rulesFrom extracts the Rules of Engagement bullets from the technical
// specification on disk. A missing or unreadable file yields no rules.
func rulesFrom(path string) []string {
	return sectionBulletsFromFile(path, "rules of engagement")
}

// criteriaFrom extracts the Acceptance Criteria bullets from the PRD.
func criteriaFrom(path string) []string {
	return sectionBulletsFromFile(path, "acceptance criteria")
}

func sectionBulletsFromFile(path, title string) []string {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil
	}
	return sectionBullets(data, title)
}

// sectionBullets collects the list item texts under the first heading
// whose text contains title, case-insensitively. Headings like
// "6. Rules of Engagement" therefore match too. The section runs until
// the next heading at the same or a shallower level; nested list items
// count as separate entries.
func sectionBullets(source []byte, title string) []string {
	doc := markdown.Parser().Parse(text.NewReader(source))
	want := strings.ToLower(title)
	var (
		bullets []string
		level   int
		capture bool
	)
	ast.Walk(doc, func(node ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		if heading, ok := node.(*ast.Heading); ok {
			if capture && heading.Level <= level {
				return ast.WalkStop, nil
			}
			if !capture && strings.Contains(strings.ToLower(nodeText(heading, source)), want) {
				capture = true
				level = heading.Level
			}
			return ast.WalkContinue, nil
		}
		if !capture {
			return ast.WalkContinue, nil
		}
		if item, ok := node.(*ast.ListItem); ok {
			if first := item.FirstChild(); first != nil {
				if line := strings.TrimSpace(nodeText(first, source)); line != "" {
					bullets = append(bullets, line)
				}
			}
		}
		return ast.WalkContinue, nil
	})
	return bullets
}

// nodeText flattens the text content beneath an AST node.
func nodeText(node ast.Node, source []byte) string {
	var b strings.Builder
	ast.Walk(node, func(n ast.Node, entering bool) (ast.WalkStatus, error) {
		if !entering {
			return ast.WalkContinue, nil
		}
		switch v := n.(type) {
		case *ast.Text:
			b.Write(v.Text(source))
		case *ast.String:
			b.Write(v.Value)
		}
		return ast.WalkContinue, nil
	})
	return b.String()
}
