// Package jsonmerge holds the JSON document operations shared by the
// producer-side write buffer and the KV sink: RFC 7386 merge patches and
// replace-null patches.
//
// A replace-null patch list is a JSON array of [[segments...], value] pairs.
// Each pair overwrites the value at the segment path, but only where that
// path already exists in the merged document.
package jsonmerge

import (
	"fmt"
	"strings"

	jsonpatch "github.com/evanphx/json-patch/v5"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// Apply merges patch into doc. Null members of patch remove keys from doc.
func Apply(doc, patch []byte) ([]byte, error) {
	merged, err := jsonpatch.MergePatch(doc, patch)
	if err != nil {
		return nil, fmt.Errorf("merge patch: %w", err)
	}
	return merged, nil
}

// Combine folds two merge patches into one that has the effect of applying
// first and then second. Null members are preserved.
func Combine(first, second []byte) ([]byte, error) {
	combined, err := jsonpatch.MergeMergePatches(first, second)
	if err != nil {
		return nil, fmt.Errorf("combine merge patches: %w", err)
	}
	return combined, nil
}

// ApplyReplaceNull writes each replace-null patch into doc.
func ApplyReplaceNull(doc []byte, patches string) ([]byte, error) {
	if patches == "" {
		return doc, nil
	}
	if !gjson.Valid(patches) || !gjson.Parse(patches).IsArray() {
		return nil, fmt.Errorf("replace-null patches must be a JSON array")
	}

	var err error
	gjson.Parse(patches).ForEach(func(_, patch gjson.Result) bool {
		elems := patch.Array()
		if len(elems) != 2 {
			err = fmt.Errorf("malformed replace-null patch %s", patch.Raw)
			return false
		}

		path := Path(elems[0].Array())
		if path == "" || !gjson.GetBytes(doc, path).Exists() {
			return true
		}

		doc, err = sjson.SetRawBytes(doc, path, []byte(elems[1].Raw))
		return err == nil
	})
	return doc, err
}

// ConcatReplaceNull appends the patches of second after those of first.
// Empty inputs are skipped; the result is empty when both are.
func ConcatReplaceNull(first, second string) (string, error) {
	switch {
	case first == "":
		return second, nil
	case second == "":
		return first, nil
	}

	out := "[]"
	for _, list := range []string{first, second} {
		parsed := gjson.Parse(list)
		if !gjson.Valid(list) || !parsed.IsArray() {
			return "", fmt.Errorf("replace-null patches must be a JSON array")
		}
		for _, patch := range parsed.Array() {
			var err error
			out, err = sjson.SetRaw(out, "-1", patch.Raw)
			if err != nil {
				return "", err
			}
		}
	}
	return out, nil
}

var pathEscaper = strings.NewReplacer(`\`, `\\`, ".", `\.`, "*", `\*`, "?", `\?`, "|", `\|`, "#", `\#`, "@", `\@`)

// Path joins segments into a gjson/sjson path.
func Path(segments []gjson.Result) string {
	parts := make([]string, 0, len(segments))
	for _, seg := range segments {
		parts = append(parts, pathEscaper.Replace(seg.String()))
	}
	return strings.Join(parts, ".")
}
