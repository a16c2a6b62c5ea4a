// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package docstore

import (
	"strings"
	"unicode"
)

// Tokenize lowercases s and splits it into deduplicated alphanumeric tokens.
// Ranking is out of scope; the index answers membership queries only.
func Tokenize(s string) []string {
	fields := strings.FieldsFunc(strings.ToLower(s), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsNumber(r)
	})

	seen := make(map[string]struct{}, len(fields))
	tokens := make([]string, 0, len(fields))
	for _, f := range fields {
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		tokens = append(tokens, f)
	}
	return tokens
}

// UpdateFullText replaces the indexed tokens for docKey. oldText must be the
// exact text previously indexed (empty when the document is new); passing
// stale text leaves orphan index entries behind.
func UpdateFullText(tx Tx, index, docKey, oldText, newText string) error {
	oldTokens := Tokenize(oldText)
	newTokens := make(map[string]struct{})
	for _, tok := range Tokenize(newText) {
		newTokens[tok] = struct{}{}
	}

	for _, tok := range oldTokens {
		if _, keep := newTokens[tok]; keep {
			delete(newTokens, tok)
			continue
		}
		if err := tx.RemoveIndex(index, tok, docKey); err != nil {
			return err
		}
	}
	for tok := range newTokens {
		if err := tx.AddIndex(index, tok, docKey); err != nil {
			return err
		}
	}
	return nil
}

// RemoveFullText removes all indexed tokens for docKey.
func RemoveFullText(tx Tx, index, docKey, text string) error {
	for _, tok := range Tokenize(text) {
		if err := tx.RemoveIndex(index, tok, docKey); err != nil {
			return err
		}
	}
	return nil
}

// SearchFullText returns doc keys matching every token of query. Each query
// token matches indexed tokens by prefix, so "hel wor" finds "hello world".
// Returns at most limit keys (0 = unlimited) in unspecified order.
func SearchFullText(tx ReadTx, index, query string, limit int) ([]string, error) {
	tokens := Tokenize(query)
	if len(tokens) == 0 {
		return nil, nil
	}

	var result map[string]struct{}
	for _, tok := range tokens {
		matches := make(map[string]struct{})
		err := tx.IndexScan(index, tok, func(_, docKey string) (bool, error) {
			if result == nil {
				matches[docKey] = struct{}{}
				return true, nil
			}
			// Intersect with the running result set.
			if _, ok := result[docKey]; ok {
				matches[docKey] = struct{}{}
			}
			return true, nil
		})
		if err != nil {
			return nil, err
		}
		result = matches
		if len(result) == 0 {
			return nil, nil
		}
	}

	keys := make([]string, 0, len(result))
	for key := range result {
		if limit > 0 && len(keys) >= limit {
			break
		}
		keys = append(keys, key)
	}
	return keys, nil
}
