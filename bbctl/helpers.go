package bbctl

import (
	"encoding/json"
	"mime"
	"net/http"
	"strconv"
	"strings"
)

func respondJSON(w http.ResponseWriter, code int, data any) {
	w.Header().Set("content-type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "    ")
	enc.Encode(data)
}

type errorResponse struct {
	Error      string `json:"error"`
	StatusCode int    `json:"status_code"`
	StatusText string `json:"status_text"`
}

func respondError(w http.ResponseWriter, err error, code int) {
	respondJSON(w, code, errorResponse{
		Error:      err.Error(),
		StatusCode: code,
		StatusText: http.StatusText(code),
	})
}

func requestExplicitlyAccepts(r *http.Request, acceptable ...string) bool {
	have := map[string]bool{}
	for _, val := range strings.Split(r.Header.Get("accept"), ",") {
		if mediaType, _, err := mime.ParseMediaType(val); err == nil {
			have[mediaType] = true
		}
	}
	for _, want := range acceptable {
		if have[want] {
			return true
		}
	}
	return false
}

func parseDefault[T any](s string, parse func(string) (T, error), def T) T {
	if v, err := parse(s); err == nil {
		return v
	}
	return def
}

func parseRange(s string, parse func(string) (int, error), lo, def, hi int) int {
	v, err := parse(s)
	switch {
	case err != nil:
		return def
	case v < lo:
		return lo
	case v > hi:
		return hi
	default:
		return v
	}
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
