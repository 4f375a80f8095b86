// Package lang models translation directions and resolves requested
// directions to the supported canonical ones.
package lang

import (
	"fmt"
	"regexp"
	"strings"
)

var tagPattern = regexp.MustCompile(`^[A-Za-z0-9]+(-[A-Za-z0-9]+)*$`)

// Direction is an ordered (source, target) pair of language tags.
type Direction struct {
	Source string
	Target string
}

// NewDirection validates both tags and returns the direction.
func NewDirection(source, target string) (Direction, error) {
	if !ValidTag(source) {
		return Direction{}, fmt.Errorf("invalid source language tag %q", source)
	}
	if !ValidTag(target) {
		return Direction{}, fmt.Errorf("invalid target language tag %q", target)
	}
	return Direction{Source: source, Target: target}, nil
}

// ParseDirection parses the "<source>:<target>" form used in configuration.
func ParseDirection(s string) (Direction, error) {
	source, target, ok := strings.Cut(strings.TrimSpace(s), ":")
	if !ok {
		return Direction{}, fmt.Errorf("invalid language direction %q: expected <source>:<target>", s)
	}
	return NewDirection(source, target)
}

func ValidTag(tag string) bool {
	return tagPattern.MatchString(tag)
}

// String returns the canonical arrow-joined form, e.g. "en → it".
func (d Direction) String() string {
	return d.Source + " → " + d.Target
}

// baseLanguage strips region and script subtags: "en-US" -> "en".
func baseLanguage(tag string) string {
	if i := strings.IndexByte(tag, '-'); i >= 0 {
		tag = tag[:i]
	}
	return strings.ToLower(tag)
}
