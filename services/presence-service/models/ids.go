package models

import "strings"

// MaxIDLength bounds user, session and conversation ids.
const MaxIDLength = 128

// ValidID reports whether id can be used as one segment of a store key. Store keys join ids with
// ':', so ids must not contain it.
func ValidID(id string) bool {
	if id == "" || len(id) > MaxIDLength {
		return false
	}
	return !strings.ContainsAny(id, ": \t\r\n")
}
