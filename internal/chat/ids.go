package chat

import (
	"regexp"
	"strings"
)

// ListPath is where a view goes when its conversation cannot be shown.
const ListPath = "/chats"

// ProvisionalPrefix marks locally generated message ids.
const ProvisionalPrefix = "temp-"

var chatIDRe = regexp.MustCompile(`^[0-9a-fA-F]{24}$`)

// ValidChatID reports whether id is a 24-digit hexadecimal identity.
func ValidChatID(id string) bool { return chatIDRe.MatchString(id) }

// ChatIDFromPath extracts the id from "/chat/{id}". ok is false for any other shape.
func ChatIDFromPath(path string) (string, bool) {
	rest, found := strings.CutPrefix(path, "/chat/")
	if !found || rest == "" || strings.Contains(rest, "/") {
		return "", false
	}
	return rest, true
}

// IsProvisionalID reports whether id was generated locally.
func IsProvisionalID(id string) bool { return strings.HasPrefix(id, ProvisionalPrefix) }
