// Package cosign encodes the denormalized co-signer list carried on a
// suggestion: an ordered, comma-separated list of "name(ref)" entries.
package cosign

import "strings"

// Entry is one co-signer in the summary text.
type Entry struct {
	Name string
	Ref  string
}

func (e Entry) String() string {
	name, ref := CleanName(e.Name), cleanRef(e.Ref)
	if ref == "" {
		return name
	}
	if name == "" {
		name = ref
	}
	return name + "(" + ref + ")"
}

var (
	nameReplacer = strings.NewReplacer(",", " ", "，", " ", "(", "[", ")", "]")
	refReplacer  = strings.NewReplacer(",", "", "，", "", "(", "", ")", "")
)

// CleanName rewrites a display name so it cannot be mistaken for a separator
// or a ref when the summary is parsed back.
func CleanName(name string) string {
	return strings.Join(strings.Fields(nameReplacer.Replace(name)), " ")
}

// ValidRef reports whether ref survives a Format/Parse round trip unchanged.
func ValidRef(ref string) bool {
	return ref != "" && !strings.ContainsAny(ref, ",，()") && strings.TrimSpace(ref) == ref
}

func cleanRef(ref string) string {
	return strings.TrimSpace(refReplacer.Replace(ref))
}

// Format joins entries in order, dropping repeated refs. Names are passed
// through CleanName, so Parse(Format(entries)) returns the cleaned names and,
// for refs accepted by ValidRef, the original refs.
func Format(entries []Entry) string {
	parts := make([]string, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range Dedupe(entries) {
		text := strings.TrimSpace(entry.String())
		if text == "" {
			continue
		}
		if _, ok := seen[text]; ok {
			continue
		}
		seen[text] = struct{}{}
		parts = append(parts, text)
	}
	return strings.Join(parts, ",")
}

// Parse splits a summary back into entries. Entries written without a
// parenthesized ref (legacy free text) use the whole text as their ref.
func Parse(text string) []Entry {
	text = strings.ReplaceAll(text, "，", ",")
	entries := make([]Entry, 0)
	for _, raw := range strings.Split(text, ",") {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		entries = append(entries, parseEntry(raw))
	}
	return Dedupe(entries)
}

func parseEntry(raw string) Entry {
	if strings.HasSuffix(raw, ")") {
		if open := strings.LastIndex(raw, "("); open > 0 {
			name := strings.TrimSpace(raw[:open])
			ref := strings.TrimSpace(raw[open+1 : len(raw)-1])
			if name != "" && ref != "" {
				return Entry{Name: name, Ref: ref}
			}
		}
	}
	return Entry{Name: raw, Ref: raw}
}

// Dedupe keeps the first entry for each ref.
func Dedupe(entries []Entry) []Entry {
	out := make([]Entry, 0, len(entries))
	seen := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		key := entry.Ref
		if key == "" {
			key = entry.Name
		}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, entry)
	}
	return out
}

// Refs returns the refs of entries in order.
func Refs(entries []Entry) []string {
	refs := make([]string, 0, len(entries))
	for _, entry := range entries {
		refs = append(refs, entry.Ref)
	}
	return refs
}

// Diff reports refs present in next but not in current, and refs present in
// current but not in next, each in their original order.
func Diff(current, next []string) (added, removed []string) {
	inCurrent := make(map[string]struct{}, len(current))
	for _, ref := range current {
		inCurrent[ref] = struct{}{}
	}
	inNext := make(map[string]struct{}, len(next))
	for _, ref := range next {
		inNext[ref] = struct{}{}
		if _, ok := inCurrent[ref]; !ok {
			added = append(added, ref)
		}
	}
	for _, ref := range current {
		if _, ok := inNext[ref]; !ok {
			removed = append(removed, ref)
		}
	}
	return added, removed
}
