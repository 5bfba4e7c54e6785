package bridge

import (
	"context"
	"encoding/json"
	"strconv"
	"strings"
)

// Info normalised style metadata
type Info map[string]any

// MaxZoom returns the integer maxzoom, if declared.
func (i Info) MaxZoom() (int, bool) {
	z, ok := i["maxzoom"].(int)
	return z, ok
}

// Info reads the style parameters and normalises them.
func (s *Source) Info(ctx context.Context) (Info, error) {
	st, r, err := s.acquire(ctx)
	if err != nil {
		return nil, err
	}
	params := r.Parameters()
	s.release(st, r)
	return ParseInfo(params)
}

// ParseInfo turns raw parameters into Info. bounds and center become number
// lists, minzoom and maxzoom integers. The object in json is merged in
// without overriding direct keys.
func ParseInfo(params map[string]string) (Info, error) {
	info := make(Info, len(params))
	for k, v := range params {
		switch k {
		case "json":
		case "bounds", "center":
			if nums, ok := parseNumbers(v); ok {
				info[k] = nums
			} else {
				info[k] = v
			}
		case "minzoom", "maxzoom":
			if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
				info[k] = n
			} else {
				info[k] = v
			}
		default:
			info[k] = v
		}
	}

	raw, ok := params["json"]
	if !ok {
		return info, nil
	}
	var merged map[string]any
	if err := json.Unmarshal([]byte(raw), &merged); err != nil {
		return nil, &ParseError{Key: "json", cause: err}
	}
	for k, v := range merged {
		if _, exists := info[k]; exists {
			continue
		}
		if f, ok := v.(float64); ok && (k == "minzoom" || k == "maxzoom") && f == float64(int(f)) {
			v = int(f)
		}
		info[k] = v
	}
	return info, nil
}

func parseNumbers(v string) ([]float64, bool) {
	parts := strings.Split(v, ",")
	nums := make([]float64, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return nil, false
		}
		nums = append(nums, n)
	}
	return nums, true
}
