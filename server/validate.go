// Copyright (c) 2025 Girino Vey.
//
// This software is licensed under Girino's Anarchist License (GAL).
// See LICENSE file for full license text.
// License available at: https://license.girino.org/
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/girino/app-ads-inspector/appads"
	"github.com/girino/app-ads-inspector/batch"
	"github.com/girino/app-ads-inspector/logging"
	"github.com/girino/app-ads-inspector/stores"
)

// maxRequestBody caps request JSON size.
const maxRequestBody = 1 << 20

// Error kinds of the request boundary taxonomy.
const (
	kindBadRequest         = "BadRequest"
	kindValidationRejected = "ValidationRejected"
	kindRateLimited        = "RateLimited"
	kindInternal           = "Internal"
)

// apiError is the uniform error envelope.
type apiError struct {
	Kind    string      `json:"kind"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func writeError(w http.ResponseWriter, status int, kind, message string, details interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]interface{}{
		"success": false,
		"error":   apiError{Kind: kind, Message: message, Details: details},
	})
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		logging.DebugMethod("server", "writeJSON", "encode failed: %v", err)
	}
}

// flexStrings accepts a JSON string or array of strings.
type flexStrings []string

func (f *flexStrings) UnmarshalJSON(data []byte) error {
	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		*f = []string{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err == nil {
		*f = many
		return nil
	}
	return fmt.Errorf("expected string or array of strings")
}

// structuredParam is the object form of a structured search term.
type structuredParam struct {
	Domain       string `json:"domain"`
	PublisherID  string `json:"publisherId"`
	Relationship string `json:"relationship"`
	TagID        string `json:"tagId"`
}

// flexParams accepts a single object or an array of objects.
type flexParams []structuredParam

func (f *flexParams) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}
	if strings.HasPrefix(trimmed, "{") {
		var one structuredParam
		if err := json.Unmarshal(data, &one); err != nil {
			return err
		}
		*f = []structuredParam{one}
		return nil
	}
	var many []structuredParam
	if err := json.Unmarshal(data, &many); err == nil {
		*f = many
		return nil
	}
	return fmt.Errorf("expected object or array of objects")
}

// flexTerms accepts search terms as a string, array of strings, or array
// of structured objects.
type flexTerms struct {
	plain      []string
	structured []structuredParam
}

func (f *flexTerms) UnmarshalJSON(data []byte) error {
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" || trimmed == "null" {
		return nil
	}

	var one string
	if err := json.Unmarshal(data, &one); err == nil {
		f.plain = splitTermList(one)
		return nil
	}

	var raw []json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("expected string, array of strings, or array of objects")
	}
	for _, item := range raw {
		it := strings.TrimSpace(string(item))
		if strings.HasPrefix(it, "{") {
			var sp structuredParam
			if err := json.Unmarshal(item, &sp); err != nil {
				return err
			}
			f.structured = append(f.structured, sp)
			continue
		}
		var s string
		if err := json.Unmarshal(item, &s); err != nil {
			return fmt.Errorf("expected string or object entries")
		}
		f.plain = append(f.plain, s)
	}
	return nil
}

// splitTermList splits a comma-separated term string.
func splitTermList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// buildTerms validates and normalises the incoming term forms.
func buildTerms(ft flexTerms, params flexParams) ([]appads.Term, error) {
	var terms []appads.Term
	for _, s := range ft.plain {
		t, err := appads.PlainTerm(s)
		if err != nil {
			return nil, fmt.Errorf("search term %q: %w", s, err)
		}
		terms = append(terms, t)
	}
	structured := append([]structuredParam(nil), ft.structured...)
	structured = append(structured, params...)
	for _, sp := range structured {
		t, err := appads.StructuredTerm(sp.Domain, sp.PublisherID, sp.Relationship, sp.TagID)
		if err != nil {
			return nil, fmt.Errorf("structured term: %w", err)
		}
		terms = append(terms, t)
	}
	return terms, nil
}

// extractRequest is the unary extraction body.
type extractRequest struct {
	BundleID         string     `json:"bundleId"`
	SearchTerms      flexTerms  `json:"searchTerms"`
	StructuredParams flexParams `json:"structuredParams"`
}

// multiRequest is the batch extraction body.
type multiRequest struct {
	BundleIDs        flexStrings `json:"bundleIds"`
	SearchTerms      flexTerms   `json:"searchTerms"`
	StructuredParams flexParams  `json:"structuredParams"`
	Page             int         `json:"page"`
	PageSize         int         `json:"pageSize"`
	FullAnalysis     bool        `json:"fullAnalysis"`
}

// decodeBody decodes a capped JSON request body.
func decodeBody(w http.ResponseWriter, r *http.Request, into interface{}) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBody)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, kindBadRequest, "invalid request body: "+err.Error(), nil)
		return false
	}
	return true
}

// validateIDs applies the list caps and per-id validation. It rejects the
// request when the list is empty, over the cap, or entirely invalid.
type idValidation struct {
	IDs          []string
	ValidCount   int
	InvalidCount int
}

func validateIDs(ids []string, maxIDs int) (*idValidation, *apiError) {
	deduped := batch.Dedupe(ids)
	if len(deduped) == 0 {
		return nil, &apiError{Kind: kindBadRequest, Message: "bundleIds must contain at least one identifier"}
	}
	if len(deduped) > maxIDs {
		return nil, &apiError{
			Kind:    kindBadRequest,
			Message: fmt.Sprintf("too many bundle identifiers: %d (max %d)", len(deduped), maxIDs),
		}
	}

	valid := 0
	for _, id := range deduped {
		if stores.ValidBundleID(id) {
			valid++
		}
	}
	if valid == 0 {
		return nil, &apiError{
			Kind:    kindValidationRejected,
			Message: "all bundle identifiers are invalid",
			Details: map[string]int{"total": len(deduped), "invalid": len(deduped)},
		}
	}
	return &idValidation{IDs: deduped, ValidCount: valid, InvalidCount: len(deduped) - valid}, nil
}

// validatePageSize rejects explicit out-of-range page sizes.
func validatePageSize(pageSize int) *apiError {
	if pageSize == 0 {
		return nil
	}
	if pageSize < batch.MinPageSize || pageSize > batch.MaxPageSize {
		return &apiError{
			Kind:    kindBadRequest,
			Message: fmt.Sprintf("pageSize must be between %d and %d", batch.MinPageSize, batch.MaxPageSize),
		}
	}
	return nil
}
