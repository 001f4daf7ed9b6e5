package model

import "strings"

// User is the directory view of a person. Chat only knows user ids; names
// and avatars come from the user directory.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name,omitempty"`
	Avatar string `json:"avatar,omitempty"`
}

// ValidUserID reports whether id can name a user. The colon separates the
// two participants of a direct channel id, so it cannot appear in one.
func ValidUserID(id string) bool {
	return id != "" && !strings.ContainsAny(id, ": \t\r\n")
}
