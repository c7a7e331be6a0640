// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package match

import (
	"regexp"
	"strconv"
	"strings"
	"unicode"
)

var (
	// quotedRe matches double, single, and German quotes.
	quotedRe = regexp.MustCompile(`["'„»]([^"'“«»]+)["'“«]`)

	// searchPhraseRe matches explicit "search for X" phrasings.
	searchPhraseRe = regexp.MustCompile(`(?i)(?:suche nach|such nach|search for|finde|zeige mir)\s+(.+?)(?:[?.!]|$)`)

	// tableNameRe matches DDIC table names: all-caps tokens of 3+ chars.
	tableNameRe = regexp.MustCompile(`\b([A-Z][A-Z0-9_]{2,29})\b`)

	// rowCountRes match row-count phrasings in priority order.
	rowCountRes = []*regexp.Regexp{
		regexp.MustCompile(`(?i)ersten\s+(\d+)`),
		regexp.MustCompile(`(?i)top\s+(\d+)`),
		regexp.MustCompile(`(?i)(\d+)\s+(?:einträge|eintraege|zeilen|rows|datensätze)`),
	}
)

// germanStopWords are dropped by the leftover-token heuristic.
var germanStopWords = map[string]bool{
	"der": true, "die": true, "das": true, "den": true, "dem": true,
	"ein": true, "eine": true, "einen": true, "einem": true,
	"und": true, "oder": true, "aber": true, "nicht": true,
	"ich": true, "du": true, "wir": true, "sie": true, "es": true,
	"ist": true, "sind": true, "war": true, "hat": true, "habe": true,
	"kann": true, "kannst": true, "könnte": true, "muss": true,
	"für": true, "mit": true, "nach": true, "von": true, "zu": true,
	"zum": true, "zur": true, "im": true, "in": true, "auf": true,
	"aus": true, "bei": true, "über": true, "unter": true, "um": true,
	"was": true, "wie": true, "wo": true, "wer": true, "wann": true,
	"bitte": true, "mal": true, "mir": true, "mich": true, "uns": true,
	"mein": true, "meine": true, "dein": true, "deine": true,
	"zeige": true, "zeig": true, "gib": true, "suche": true, "such": true,
	"finde": true, "brauche": true, "möchte": true, "alle": true,
	"dokument": true, "dokumente": true, "informationen": true,
	"the": true, "a": true, "an": true, "for": true, "to": true,
	"of": true, "and": true, "or": true, "show": true, "me": true,
	"search": true, "find": true, "please": true, "all": true,
}

// ExtractSearchQuery derives a document-search query from an utterance.
// Heuristics are layered: each is tried only when the previous produced
// nothing.
//
//  1. Quoted text wins outright.
//  2. Explicit "suche nach X" / "search for X" phrasing.
//  3. Capitalized words that are not sentence-initial (proper nouns).
//  4. Whatever survives stop-word filtering.
func ExtractSearchQuery(utterance string) string {
	if m := quotedRe.FindStringSubmatch(utterance); m != nil {
		return strings.TrimSpace(m[1])
	}

	if m := searchPhraseRe.FindStringSubmatch(utterance); m != nil {
		if q := stripStopWords(m[1]); q != "" {
			return q
		}
		return strings.TrimSpace(m[1])
	}

	if q := properNouns(utterance); q != "" {
		return q
	}

	return stripStopWords(utterance)
}

// properNouns collects capitalized tokens, skipping the first word of the
// utterance and known stop words.
func properNouns(utterance string) string {
	fields := strings.Fields(utterance)
	var out []string
	for i, field := range fields {
		word := strings.Trim(field, `.,!?;:"'`)
		if word == "" || i == 0 {
			continue
		}
		runes := []rune(word)
		if !unicode.IsUpper(runes[0]) {
			continue
		}
		// All-caps tokens are table names, not proper nouns.
		if strings.ToUpper(word) == word && len(runes) > 1 {
			continue
		}
		if germanStopWords[strings.ToLower(word)] {
			continue
		}
		out = append(out, word)
	}
	return strings.Join(out, " ")
}

// stripStopWords removes stop words and punctuation, returning the
// remaining tokens joined by spaces.
func stripStopWords(utterance string) string {
	fields := strings.Fields(utterance)
	var out []string
	for _, field := range fields {
		word := strings.Trim(field, `.,!?;:"'`)
		if word == "" || germanStopWords[strings.ToLower(word)] {
			continue
		}
		out = append(out, word)
	}
	return strings.Join(out, " ")
}

// ExtractTableName finds a DDIC table name in the utterance. The first
// all-caps token wins.
func ExtractTableName(utterance string) string {
	for _, m := range tableNameRe.FindAllString(utterance, -1) {
		return m
	}
	return ""
}

// ExtractRowCount finds a requested row count, or def when none appears.
func ExtractRowCount(utterance string, def int) int {
	for _, re := range rowCountRes {
		if m := re.FindStringSubmatch(utterance); m != nil {
			if n, err := strconv.Atoi(m[1]); err == nil && n > 0 {
				return n
			}
		}
	}
	return def
}

// buildArguments merges static defaults with the extraction routine's
// output for one tool entry.
func buildArguments(entry ToolEntry, utterance string) map[string]interface{} {
	args := make(map[string]interface{}, len(entry.Arguments)+2)
	for k, v := range entry.Arguments {
		args[k] = v
	}

	switch entry.Extract {
	case ExtractTableAndRows:
		if table := ExtractTableName(utterance); table != "" {
			args["ddicEntityName"] = table
		}
		def := 10
		if n, ok := args["rowNumber"].(int); ok {
			def = n
		}
		args["rowNumber"] = ExtractRowCount(utterance, def)
	case ExtractDocumentQuery:
		if q := ExtractSearchQuery(utterance); q != "" {
			args["query"] = q
		}
	case ExtractObjectQuery:
		if q := ExtractSearchQuery(utterance); q != "" {
			args["query"] = q
		}
	}
	return args
}
