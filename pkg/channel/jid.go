package channel

import "strings"

// Bare strips the resource from a JID: "user@host/res" -> "user@host".
func Bare(jid string) string {
	jid = strings.TrimSpace(jid)
	if idx := strings.Index(jid, "/"); idx >= 0 {
		return jid[:idx]
	}
	return jid
}

// Local returns the part before "@", or the whole bare JID when there is none.
func Local(jid string) string {
	bare := Bare(jid)
	if idx := strings.Index(bare, "@"); idx >= 0 {
		return bare[:idx]
	}
	return bare
}

// Resource returns the part after the first "/" (a room nickname for
// groupchat senders).
func Resource(jid string) string {
	jid = strings.TrimSpace(jid)
	if idx := strings.Index(jid, "/"); idx >= 0 {
		return jid[idx+1:]
	}
	return ""
}
