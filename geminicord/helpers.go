package geminicord

import (
	"fmt"
	"reflect"
	"regexp"
	"strings"

	"log/slog"

	"github.com/go-playground/validator/v10"
)

var structValidator = newStructValidator()

func newStructValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.SetTagName("binding")
	return v
}

var urlPattern = regexp.MustCompile(`https?://[^\s<>"{}|\\^` + "`" + `\[\]]+`)

var imageExtensions = []string{
	".png",
	".jpg",
	".jpeg",
	".gif",
	".webp",
	".bmp",
}

// extractImageURLs returns up to limit URLs from text which look like
// direct links to images, judged by file extension.
func extractImageURLs(text string, limit int) []string {
	if limit <= 0 {
		return nil
	}
	var imageURLs []string
	for _, u := range urlPattern.FindAllString(text, -1) {
		lower := strings.ToLower(u)
		for _, ext := range imageExtensions {
			if strings.HasSuffix(lower, ext) {
				imageURLs = append(imageURLs, u)
				break
			}
		}
		if len(imageURLs) == limit {
			break
		}
	}
	return imageURLs
}

// cleanMessageContent strips a leading mention of the given user ID, plus
// surrounding whitespace. Discord renders mentions as either <@id> or
// <@!id> depending on whether the user has a nickname.
func cleanMessageContent(content string, userID string) string {
	content = strings.TrimSpace(content)
	for _, mention := range []string{
		fmt.Sprintf("<@%s>", userID),
		fmt.Sprintf("<@!%s>", userID),
	} {
		content = strings.TrimPrefix(content, mention)
	}
	return strings.TrimSpace(content)
}

// mentionsUser reports whether content contains a mention of userID.
func mentionsUser(content string, userID string) bool {
	return strings.Contains(content, fmt.Sprintf("<@%s>", userID)) ||
		strings.Contains(content, fmt.Sprintf("<@!%s>", userID))
}

// truncateRunes cuts s to at most limit runes.
func truncateRunes(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}

// truncateRunesHead drops runes from the FRONT of s, keeping at most
// limit trailing runes. Used for oldest-first truncation, where the tail
// of the conversation is the part worth keeping.
func truncateRunesHead(s string, limit int) string {
	if limit <= 0 {
		return ""
	}
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[len(runes)-limit:])
}

// structToSlogValue renders a struct as a slog group value, honoring
// `log:"[redacted]"` tags on sensitive fields.
func structToSlogValue(v any) slog.Value {
	rv := reflect.ValueOf(v)
	for rv.Kind() == reflect.Ptr {
		if rv.IsNil() {
			return slog.Value{}
		}
		rv = rv.Elem()
	}
	if rv.Kind() != reflect.Struct {
		return slog.AnyValue(v)
	}
	rt := rv.Type()
	attrs := make([]slog.Attr, 0, rt.NumField())
	for i := 0; i < rt.NumField(); i++ {
		field := rt.Field(i)
		if !field.IsExported() {
			continue
		}
		if tag := field.Tag.Get("log"); tag != "" {
			attrs = append(attrs, slog.String(field.Name, tag))
			continue
		}
		attrs = append(attrs, slog.Any(field.Name, rv.Field(i).Interface()))
	}
	return slog.GroupValue(attrs...)
}
