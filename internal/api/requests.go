// NovaTune - Self-Hosted Audio Streaming Backend
// Copyright 2026 NovaTune Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/novatune/novatune

package api

import (
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"

	"github.com/goccy/go-json"

	"github.com/novatune/novatune/internal/apperr"
)

// maxBodyBytes caps request bodies. Telemetry batches are the largest
// legitimate payload and stay well under this.
const maxBodyBytes = 1 << 20

// decodeJSON parses the request body into dst. Unknown fields are rejected
// so client typos surface as 400s instead of silently dropped options.
func decodeJSON(r *http.Request, dst any) error {
	body := http.MaxBytesReader(nil, r.Body, maxBodyBytes)
	defer func() {
		_, _ = io.Copy(io.Discard, body)
	}()

	dec := json.NewDecoder(body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		// An empty body decodes to the zero value; struct validation decides
		// whether that is acceptable.
		if errors.Is(err, io.EOF) {
			return nil
		}
		return apperr.Validation(apperr.CodeValidation, "request body is not valid JSON: "+err.Error())
	}
	return nil
}

// queryInt parses an optional integer query parameter, returning def when
// absent.
func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, apperr.Validation(apperr.CodeValidation, "query parameter "+name+" must be an integer")
	}
	return value, nil
}

// clientIP extracts the caller address, preferring X-Forwarded-For from a
// trusted reverse proxy.
func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
