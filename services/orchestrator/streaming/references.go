// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package streaming

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/lumenforge/modelhost/pkg/logging"
	"github.com/lumenforge/modelhost/services/orchestrator/datatypes"
)

// ReferenceList accumulates captured citations during a request. The
// fetch hook appends from the tool goroutine while the runner reads at
// completion, hence the mutex.
type ReferenceList struct {
	mu   sync.Mutex
	refs []datatypes.Reference
}

// Add records one reference. Duplicate URLs are collapsed.
func (l *ReferenceList) Add(title, url string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, r := range l.refs {
		if r.URL == url {
			return
		}
	}
	l.refs = append(l.refs, datatypes.Reference{Title: title, URL: url})
}

// All returns a copy of the captured references.
func (l *ReferenceList) All() []datatypes.Reference {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]datatypes.Reference, len(l.refs))
	copy(out, l.refs)
	return out
}

// citation matches the inline 【...】 citation markers research models
// emit around source names.
var citation = regexp.MustCompile(`【([^】]+)】`)

// InjectReferences rewrites inline 【...】 citations into markdown
// links.
//
// Resolution per citation: exact title match first, then substring
// match either direction, otherwise the marker is left as-is with a
// warning. Already-linked markdown contains no 【...】 markers, so the
// rewrite is idempotent.
func InjectReferences(content string, refs []datatypes.Reference) string {
	if len(refs) == 0 || !strings.Contains(content, "【") {
		return content
	}
	logger := logging.For("reference_injector")

	return citation.ReplaceAllStringFunc(content, func(match string) string {
		cited := strings.TrimSpace(citation.FindStringSubmatch(match)[1])

		for _, r := range refs {
			if strings.EqualFold(r.Title, cited) {
				return fmt.Sprintf("[%s](%s)", r.Title, r.URL)
			}
		}
		citedLower := strings.ToLower(cited)
		for _, r := range refs {
			titleLower := strings.ToLower(r.Title)
			if strings.Contains(titleLower, citedLower) || strings.Contains(citedLower, titleLower) {
				return fmt.Sprintf("[%s](%s)", r.Title, r.URL)
			}
		}

		logger.Warn("citation did not resolve to a captured reference", "cited", cited)
		return match
	})
}
