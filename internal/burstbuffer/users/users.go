// Package users converts between textual user lists, as written in burst buffer configuration,
// and lists of numeric user ids.
package users

import (
	"strings"

	log "github.com/sirupsen/logrus"
)

// Parse translates a colon (or comma) delimited list of user names into user ids.
// Entries that cannot be resolved, or that resolve to uid 0, are logged and skipped.
func Parse(text string, resolver Resolver) []uint32 {
	tokens := strings.FieldsFunc(text, func(r rune) bool {
		return r == ':' || r == ','
	})
	if len(tokens) == 0 {
		return nil
	}
	uids := make([]uint32, 0, len(tokens))
	for _, token := range tokens {
		token = strings.TrimSpace(token)
		if token == "" {
			continue
		}
		uid, err := resolver.UidFromName(token)
		if err != nil {
			log.WithError(err).Warnf("ignoring invalid user: %s", token)
			continue
		}
		if uid == 0 {
			log.Warnf("ignoring invalid user: %s", token)
			continue
		}
		uids = append(uids, uid)
	}
	return uids
}

// Format is the inverse of Parse, joining user names with colons.
// Uids that cannot be resolved are omitted. Returns the empty string for an empty list.
func Format(uids []uint32, resolver Resolver) string {
	var sb strings.Builder
	for _, uid := range uids {
		name, err := resolver.NameFromUid(uid)
		if err != nil {
			log.WithError(err).Debugf("unable to resolve uid %d", uid)
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString(":")
		}
		sb.WriteString(name)
	}
	return sb.String()
}

// Contains reports whether uid is present in uids.
func Contains(uids []uint32, uid uint32) bool {
	for _, u := range uids {
		if u == uid {
			return true
		}
	}
	return false
}
