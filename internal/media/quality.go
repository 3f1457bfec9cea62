package media

import (
	"math"
	"strings"
)

var qualityScores = map[string]int{
	"Bluray-2160p": 100,
	"WEBDL-2160p":  95,
	"WEBRip-2160p": 90,
	"Bluray-1080p": 85,
	"WEBDL-1080p":  80,
	"WEBRip-1080p": 75,
	"Bluray-720p":  70,
	"WEBDL-720p":   65,
	"WEBRip-720p":  60,
	"HDTV-1080p":   55,
	"HDTV-720p":    50,
	"DVD":          40,
	"SDTV":         30,
	"Unknown":      20,
}

const unknownQualityScore = 20

// QualityScore ranks an arr quality profile name. Unlisted names rank as Unknown.
func QualityScore(quality string) int {
	if s, ok := qualityScores[quality]; ok {
		return s
	}
	return unknownQualityScore
}

// sanitizeText trims s and reports whether anything is left.
func sanitizeText(s string) (string, bool) {
	s = strings.TrimSpace(s)
	return s, s != ""
}

// pickOverview prefers the arr text and falls back to Emby.
func pickOverview(arr, emby string) *string {
	if s, ok := sanitizeText(arr); ok {
		return &s
	}
	if s, ok := sanitizeText(emby); ok {
		return &s
	}
	return nil
}

// mergeGenres returns the ordered union of both lists, compared case-insensitively.
func mergeGenres(lists ...[]string) []string {
	seen := make(map[string]struct{})
	out := []string{}
	for _, list := range lists {
		for _, g := range list {
			g = strings.TrimSpace(g)
			if g == "" {
				continue
			}
			key := strings.ToLower(g)
			if _, ok := seen[key]; ok {
				continue
			}
			seen[key] = struct{}{}
			out = append(out, g)
		}
	}
	return out
}

func completionPercentage(onDisk, total int) *int {
	if total <= 0 {
		return nil
	}
	p := int(math.Round(float64(onDisk) / float64(total) * 100))
	if p > 100 {
		p = 100
	}
	return &p
}

// sizePerHour is GB per hour of runtime across every episode on disk.
func sizePerHour(size int64, runtime, episodes int) *float64 {
	if size <= 0 || runtime <= 0 || episodes <= 0 {
		return nil
	}
	gb := float64(size) / (1024 * 1024 * 1024)
	v := math.Round(gb/float64(runtime*episodes)*60*100) / 100
	return &v
}
