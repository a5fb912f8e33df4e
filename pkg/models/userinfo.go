package models

import (
	"fmt"
	"strings"
)

// userInfoKeys is the whitelist of metadata keys surfaced to the model
// in the "User info:" block. Everything else in metadata stays
// internal.
var userInfoKeys = []string{"preference", "language", "role", "permission_level"}

// UserInfoBlock renders the fixed-format caller summary appended to
// every synthesized system message.
func UserInfoBlock(ctx *Context) string {
	var b strings.Builder
	b.WriteString("User info:\n")
	fmt.Fprintf(&b, "- user_id: %s\n", ctx.UserID)
	fmt.Fprintf(&b, "- user_name: %s\n", ctx.UserName)
	for _, key := range userInfoKeys {
		if v, ok := ctx.Metadata[key]; ok {
			fmt.Fprintf(&b, "- %s: %v\n", key, v)
		}
	}
	return strings.TrimRight(b.String(), "\n")
}
