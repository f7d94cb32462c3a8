package httputil

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"

	"github.com/platinummonkey/swiftinvoice/pkg/apperr"
)

// ParseJSON decodes a single JSON object from the request body, rejecting
// unknown fields. Failures are InvalidArgument.
func ParseJSON(r *http.Request, dest interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dest); err != nil {
		if errors.Is(err, io.EOF) {
			return apperr.New(apperr.InvalidArgument, "", "request body is required")
		}
		return apperr.Newf(apperr.InvalidArgument, "", "invalid JSON: %v", err)
	}
	if dec.More() {
		return apperr.New(apperr.InvalidArgument, "", "request body must contain a single JSON object")
	}
	return nil
}

// ParsePathString extracts a string path parameter
func ParsePathString(r *http.Request, key string) (string, error) {
	str := mux.Vars(r)[key]
	if str == "" {
		return "", apperr.Newf(apperr.InvalidArgument, "", "missing path parameter: %s", key)
	}
	return str, nil
}

// ParseQueryInt extracts and parses an integer query parameter
func ParseQueryInt(r *http.Request, key string, defaultVal int) (int, error) {
	str := r.URL.Query().Get(key)
	if str == "" {
		return defaultVal, nil
	}
	val, err := strconv.Atoi(str)
	if err != nil {
		return 0, apperr.New(apperr.InvalidArgument, "", fmt.Sprintf("invalid integer for query param %s: %s", key, str))
	}
	return val, nil
}
