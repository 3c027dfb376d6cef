// Package thread makes thread structure portable across two independent
// timestamp spaces: it normalizes broadcast duplicates, guarantees thread
// parents are present in the outgoing set, and tracks the source-to-
// destination parent timestamp mapping during upload.
package thread

import (
	"sort"

	"github.com/arefed/slackmigrate/internal/slack"
)

// Mapping records, per upload run, the destination timestamp assigned to
// each successfully posted source message. A reply can only be attached
// once its parent's mapping exists.
type Mapping map[string]string

// Resolve returns the destination parent timestamp for a source thread
// parent, and whether it is known yet.
func (m Mapping) Resolve(sourceTS string) (string, bool) {
	dest, ok := m[sourceTS]
	return dest, ok
}

// Record stores the destination timestamp assigned to a posted message.
func (m Mapping) Record(sourceTS, destTS string) {
	if sourceTS != "" && destTS != "" {
		m[sourceTS] = destTS
	}
}

// Reconstruct prepares the outgoing message set for upload:
//
//   - Broadcast duplicates (subtype thread_broadcast) are collapsed: the
//     first occurrence of each timestamp is rewritten into an ordinary
//     thread reply flagged for channel broadcast; later occurrences are
//     dropped entirely.
//   - Replies whose parent is missing from the selection pull the true
//     parent in from the full original set, so partial selections never
//     truncate thread structure.
//   - The result is sorted ascending by timestamp, which places parents
//     before their replies.
//
// selected is the (possibly limited) set chosen for upload; all is the
// complete archived log of the channel.
func Reconstruct(selected, all []slack.Message) []slack.Message {
	outgoing := make([]slack.Message, 0, len(selected))
	seenBroadcast := make(map[string]bool)

	for _, msg := range selected {
		if msg.Subtype == slack.SubtypeThreadBroadcast {
			if msg.TS == "" || msg.ThreadTS == "" || seenBroadcast[msg.TS] {
				continue
			}

			seenBroadcast[msg.TS] = true

			reply := msg
			reply.Subtype = ""
			reply.Broadcast = true
			outgoing = append(outgoing, reply)

			continue
		}

		outgoing = append(outgoing, msg)
	}

	outgoing = pullInMissingParents(outgoing, all)

	sort.SliceStable(outgoing, func(i, j int) bool {
		return slack.TSFloat(outgoing[i].TS) < slack.TSFloat(outgoing[j].TS)
	})

	return outgoing
}

// pullInMissingParents appends, from the full log, any thread parent that a
// reply in the outgoing set references but that the set does not contain.
func pullInMissingParents(outgoing, all []slack.Message) []slack.Message {
	present := make(map[string]bool, len(outgoing))
	for _, msg := range outgoing {
		present[msg.TS] = true
	}

	needed := make(map[string]bool)

	for _, msg := range outgoing {
		if msg.IsThreadReply() && !present[msg.ThreadTS] {
			needed[msg.ThreadTS] = true
		}
	}

	for parentTS := range needed {
		for _, candidate := range all {
			// Broadcast copies of the parent are duplicates, not the parent.
			if candidate.TS == parentTS && candidate.Subtype != slack.SubtypeThreadBroadcast {
				outgoing = append(outgoing, candidate)
				break
			}
		}
	}

	return outgoing
}
